package task

import (
	"context"
	"log/slog"
	"time"

	"AgentCron-Chain/internal/observability/metrics"
	"AgentCron-Chain/pkg/logger"
)

// DefaultRetentionDays 是已结束一次性任务的保留天数。
const DefaultRetentionDays = 30

// Sweeper 清理已结束且超过保留期的一次性任务。
type Sweeper struct {
	store  Store
	days   int
	clock  func() time.Time
	logger *slog.Logger
}

// SweeperOption 定义可选配置。
type SweeperOption func(*Sweeper)

// WithRetentionDays 设置保留天数。
func WithRetentionDays(days int) SweeperOption {
	return func(s *Sweeper) {
		if days > 0 {
			s.days = days
		}
	}
}

// WithSweeperClock 替换时间来源，主要用于测试。
func WithSweeperClock(clock func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSweeperLogger 指定日志输出。
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSweeper 构造清理器。
func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:  store,
		days:   DefaultRetentionDays,
		clock:  time.Now,
		logger: logger.Named("sweeper"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Sweep 删除最后执行时间早于保留期的非活跃一次性任务，返回删除数量。
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.clock().UTC().AddDate(0, 0, -s.days)
	deleted, err := s.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		s.logger.Error("清理过期任务失败", slog.Time("cutoff", cutoff), slog.Any("error", err))
		return 0, err
	}
	metrics.ObserveSweep(deleted)
	if deleted > 0 {
		logger.Audit().Info("已清理过期任务", slog.Int64("deleted", deleted), slog.Time("cutoff", cutoff))
	} else {
		s.logger.Debug("没有需要清理的任务", slog.Time("cutoff", cutoff))
	}
	return deleted, nil
}
