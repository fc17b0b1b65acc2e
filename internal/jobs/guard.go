package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// PeriodGuard 保证同一周期键只被领取一次。
type PeriodGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryGuard 在进程内记录已领取的周期键。
type MemoryGuard struct {
	mu    sync.Mutex
	keys  map[string]time.Time
	clock func() time.Time
}

// NewMemoryGuard 创建进程内的周期守卫。
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{keys: make(map[string]time.Time), clock: time.Now}
}

// Acquire 在键未被领取或已过期时返回 true。
func (g *MemoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	for k, expiry := range g.keys {
		if !expiry.After(now) {
			delete(g.keys, k)
		}
	}
	if _, taken := g.keys[key]; taken {
		return false, nil
	}
	g.keys[key] = now.Add(ttl)
	return true, nil
}

// RedisGuard 使用 SET NX 在多个实例之间共享周期键。
type RedisGuard struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisGuard 创建基于 Redis 的周期守卫。
func NewRedisGuard(client goredis.UniversalClient, prefix string) (*RedisGuard, error) {
	if client == nil {
		return nil, errors.New("redis 客户端不能为空")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "agentcron:jobs:"
	}
	return &RedisGuard{client: client, prefix: prefix}, nil
}

// Acquire 在键不存在时写入并返回 true。
func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

var (
	_ PeriodGuard = (*MemoryGuard)(nil)
	_ PeriodGuard = (*RedisGuard)(nil)
)
