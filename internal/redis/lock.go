package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld 锁已被其他持有者占用
var ErrLockHeld = errors.New("锁已被占用")

// 只有持有者的 token 匹配时才删除锁
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const lockKeyPrefix = "lock:"

// LockManager 基于 SETNX + TTL 的分布式锁
type LockManager struct {
	client   *redis.Client
	unlockSc *redis.Script
	logger   *zap.Logger
}

// NewLockManager 创建锁管理器
func NewLockManager(client *redis.Client, logger *zap.Logger) *LockManager {
	return &LockManager{
		client:   client,
		unlockSc: redis.NewScript(unlockScript),
		logger:   logger.With(zap.String("component", "redis_lock")),
	}
}

// CreateLock 尝试获取锁，返回是否成功
func (lm *LockManager) CreateLock(ctx context.Context, key string, token string, ttl time.Duration) (bool, error) {
	return lm.client.SetNX(ctx, lockKeyPrefix+key, token, ttl).Result()
}

// ReleaseLock 释放锁，token 不匹配时不删除
func (lm *LockManager) ReleaseLock(ctx context.Context, key string, token string) (bool, error) {
	result, err := lm.unlockSc.Run(ctx, lm.client, []string{lockKeyPrefix + key}, token).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// Acquire 获取一组锁，按键排序后依次加锁避免死锁；任何一个失败都会释放已获取的锁。
// 返回的解锁函数可重复调用。
func (lm *LockManager) Acquire(ctx context.Context, ttl time.Duration, keys ...string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	token := uuid.New().String()
	acquired := make([]string, 0, len(sorted))

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// 调用方的 ctx 可能已取消，解锁使用独立的超时
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, key := range acquired {
			if _, err := lm.ReleaseLock(unlockCtx, key, token); err != nil {
				lm.logger.Warn("释放锁失败", zap.String("key", key), zap.Error(err))
			}
		}
	}

	for _, key := range sorted {
		ok, err := lm.CreateLock(ctx, key, token, ttl)
		if err != nil {
			unlock()
			return nil, fmt.Errorf("获取锁 %s 失败: %w", key, err)
		}
		if !ok {
			unlock()
			return nil, fmt.Errorf("锁 %s: %w", key, ErrLockHeld)
		}
		acquired = append(acquired, key)
	}

	return unlock, nil
}
