package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/internal/observability/metrics"
	"AgentCron-Chain/pkg/logger"
)

const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Job 描述一个周期任务。
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	// Period 把触发时间映射为周期键，为空时按分钟划分。
	Period func(at time.Time) string
	// TTL 是周期键的保留时间，为空时为一天。
	TTL time.Duration
	Run func(ctx context.Context, at time.Time) error
}

// DailyPeriod 按指定时区的自然日划分周期。
func DailyPeriod(loc *time.Location) func(time.Time) string {
	if loc == nil {
		loc = time.UTC
	}
	return func(at time.Time) string {
		return at.In(loc).Format("2006-01-02")
	}
}

func minutePeriod(at time.Time) string {
	return at.UTC().Truncate(time.Minute).Format("2006-01-02T15:04")
}

// Runner 以 cron 表达式驱动周期任务。
type Runner struct {
	mu     sync.Mutex
	parser cronlib.Parser
	loc    *time.Location
	cron   *cronlib.Cron
	jobs   map[string]Job
	guard  PeriodGuard
	clock  func() time.Time
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// Option 定义可选配置。
type Option func(*Runner)

// WithLocation 设置 cron 表达式使用的时区。
func WithLocation(loc *time.Location) Option {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithGuard 配置周期守卫。
func WithGuard(guard PeriodGuard) Option {
	return func(r *Runner) {
		r.guard = guard
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner 创建周期任务运行器。
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		parser: cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow),
		loc:    time.UTC,
		jobs:   make(map[string]Job),
		guard:  NewMemoryGuard(),
		clock:  time.Now,
		logger: logger.Named("jobs"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.cron = cronlib.New(cronlib.WithParser(r.parser), cronlib.WithLocation(r.loc))
	return r
}

// Add 注册周期任务，名称必须唯一。
func (r *Runner) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" || job.Run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "周期任务需要名称与执行函数")
	}
	if job.Period == nil {
		job.Period = minutePeriod
	}
	if job.TTL <= 0 {
		job.TTL = 24 * time.Hour
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[job.Name]; dup {
		return xerrors.Newf(xerrors.CodeConflict, "周期任务 %s 已注册", job.Name)
	}
	if _, err := r.parser.Parse(job.Spec); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("周期任务 %s 的 cron 表达式无效", job.Name))
	}
	if _, err := r.cron.AddFunc(job.Spec, func() { r.fire(job.Name) }); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "注册周期任务失败")
	}
	r.jobs[job.Name] = job
	return nil
}

// Jobs 返回已注册的任务名称。
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}

// Start 启动 cron 调度。
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()
	r.cron.Start()
	r.logger.Info("周期任务已启动", slog.Int("jobs", len(r.Jobs())), slog.String("tz", r.loc.String()))
}

// Stop 停止调度并等待正在运行的任务结束。
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.logger.Info("周期任务已停止")
}

func (r *Runner) fire(name string) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := r.RunOnce(ctx, name); err != nil {
		r.logger.Error("周期任务执行失败", slog.String("job", name), slog.Any("error", err))
	}
}

// RunOnce 立即执行一次任务。当前周期已执行过时返回 false。
func (r *Runner) RunOnce(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	job, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return false, xerrors.Newf(xerrors.CodeNotFound, "周期任务 %s 未注册", name)
	}

	at := r.clock()
	key := job.Name + ":" + job.Period(at)
	if r.guard != nil {
		acquired, err := r.guard.Acquire(ctx, key, job.TTL)
		if err != nil {
			metrics.ObserveJob(job.Name, ResultError)
			return false, xerrors.Wrap(xerrors.CodeLockFailure, err, "领取周期键失败")
		}
		if !acquired {
			metrics.ObserveJob(job.Name, ResultSkipped)
			r.logger.Info("本周期已执行，跳过", slog.String("job", job.Name), slog.String("period", key))
			return false, nil
		}
	}

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	started := time.Now()
	if err := job.Run(runCtx, at); err != nil {
		metrics.ObserveJob(job.Name, ResultError)
		return true, err
	}
	metrics.ObserveJob(job.Name, ResultOK)
	r.logger.Info("周期任务完成", slog.String("job", job.Name), slog.Duration("elapsed", time.Since(started)))
	return true, nil
}
