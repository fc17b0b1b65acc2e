package energy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/pkg/logger"
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 实现跨实例的账户锁，释放时校验令牌。
type RedisLocker struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// RedisLockerOption 自定义 RedisLocker。
type RedisLockerOption func(*RedisLocker)

// WithLockPrefix 设置锁键前缀。
func WithLockPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) {
		if strings.TrimSpace(prefix) != "" {
			l.prefix = prefix
		}
	}
}

// WithLockTTL 设置锁的过期时间，应大于一次账户操作的耗时。
func WithLockTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockRetry 设置抢锁失败后的重试间隔。
func WithLockRetry(interval time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if interval > 0 {
			l.retry = interval
		}
	}
}

// NewRedisLocker 创建 Redis 账户锁。
func NewRedisLocker(client goredis.UniversalClient, opts ...RedisLockerOption) (*RedisLocker, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "redis client is nil")
	}
	locker := &RedisLocker{
		client: client,
		prefix: "agentcron:energy:lock:",
		ttl:    10 * time.Second,
		retry:  25 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(locker)
		}
	}
	return locker, nil
}

// Lock 轮询 SET NX 直到成功或 ctx 结束。
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeLockFailure, err, "获取 Redis 账户锁失败")
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, xerrors.Wrap(xerrors.CodeLockFailure, ctx.Err(), "等待 Redis 账户锁超时")
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err(); err != nil {
				logger.L().Warn("释放 Redis 账户锁失败", slog.String("key", lockKey), slog.Any("error", err))
			}
		})
	}, nil
}

var _ Locker = (*RedisLocker)(nil)
