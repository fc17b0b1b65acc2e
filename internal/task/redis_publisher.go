package task

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// RedisPublisherConfig 描述 Redis 事件列表的参数。
type RedisPublisherConfig struct {
	Key    string
	MaxLen int64
}

// RedisPublisher 将事件写入 Redis list，并裁剪到固定长度。
type RedisPublisher struct {
	client goredis.UniversalClient
	key    string
	maxLen int64
}

// NewRedisPublisher 创建 Redis 事件发布器，client 的生命周期由调用方管理。
func NewRedisPublisher(client goredis.UniversalClient, cfg RedisPublisherConfig) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("Redis client 不能为空")
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = "agentcron:executions"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisPublisher{client: client, key: key, maxLen: maxLen}, nil
}

// Publish 以 LPUSH + LTRIM 写入事件。
func (p *RedisPublisher) Publish(ctx context.Context, event ExecutionEvent) error {
	body, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("编码执行事件失败: %w", err)
	}
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.key, body)
	pipe.LTrim(ctx, p.key, 0, p.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Redis 发布执行事件失败: %w", err)
	}
	return nil
}

// Close 对共享 client 无操作。
func (p *RedisPublisher) Close() error { return nil }

var _ Publisher = (*RedisPublisher)(nil)
