package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// NewClient 创建客户端并确认服务可达，任务队列与人工介入存储共用同一个连接池。
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dial,
	})
	pingCtx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}
