package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientOptions Redis客户端配置选项
type ClientOptions struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Addr 返回 host:port
func (o ClientOptions) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// NewRedisClient 创建新的Redis客户端并测试连接
func NewRedisClient(ctx context.Context, opts ClientOptions) (*redis.Client, error) {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr(),
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     poolSize,
		MinIdleConns: 5,
		MaxRetries:   3,
	})

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接Redis %s 失败: %w", opts.Addr(), err)
	}

	return client, nil
}
