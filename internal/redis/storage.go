package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StorageClient Redis存储客户端封装：原始连接、队列服务和锁管理器
type StorageClient struct {
	client       *redis.Client
	queueService *QueueService
	lockManager  *LockManager
	keyPrefix    string
}

// NewStorageClient 创建新的Redis存储客户端
func NewStorageClient(ctx context.Context, opts ClientOptions, keyPrefix string, logger *zap.Logger) (*StorageClient, error) {
	client, err := NewRedisClient(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("无法连接到Redis: %w", err)
	}

	return NewStorageClientFromClient(client, keyPrefix, logger), nil
}

// NewStorageClientFromClient 用已有连接创建存储客户端
func NewStorageClientFromClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *StorageClient {
	return &StorageClient{
		client:       client,
		queueService: NewQueueService(client, keyPrefix),
		lockManager:  NewLockManager(client, logger),
		keyPrefix:    keyPrefix,
	}
}

// Client 返回原始的Redis客户端
func (s *StorageClient) Client() *redis.Client {
	return s.client
}

// KeyPrefix 返回键前缀
func (s *StorageClient) KeyPrefix() string {
	return s.keyPrefix
}

// GetQueueService 返回队列服务
func (s *StorageClient) GetQueueService() *QueueService {
	return s.queueService
}

// GetLockManager 返回锁管理器
func (s *StorageClient) GetLockManager() *LockManager {
	return s.lockManager
}

// Close 关闭Redis连接
func (s *StorageClient) Close() error {
	return s.client.Close()
}
