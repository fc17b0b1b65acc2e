package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"AgentCron-Chain/internal/config"
)

// Options 转换配置为 go-redis 的连接参数。
func Options(cfg config.RedisConfig) (*goredis.UniversalOptions, error) {
	addrs := make([]string, 0, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("未配置 redis 地址")
	}
	return &goredis.UniversalOptions{
		Addrs:        addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, nil
}

// NewClient 创建客户端并通过 PING 确认可用。
func NewClient(ctx context.Context, cfg config.RedisConfig) (goredis.UniversalClient, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	client := goredis.NewUniversalClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 redis 失败: %w", err)
	}
	return client, nil
}
