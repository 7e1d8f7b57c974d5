package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisLib "github.com/redis/go-redis/v9"

	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/monitor"
	redisInternal "github.com/life2you_mini/fxmargin/internal/redis"
)

// RedisStorageAdapter 适配 redis.StorageClient 到 monitor.HistoryStore，
// 价格采样按时间戳存入有序集合
type RedisStorageAdapter struct {
	storage   *redisInternal.StorageClient
	retention time.Duration
}

// NewRedisStorageAdapter 创建Redis存储适配器
func NewRedisStorageAdapter(storage *redisInternal.StorageClient, retention time.Duration) *RedisStorageAdapter {
	if retention <= 0 {
		retention = monitor.HistoryRetention
	}
	return &RedisStorageAdapter{
		storage:   storage,
		retention: retention,
	}
}

// SavePriceSample 实现 HistoryStore.SavePriceSample
func (a *RedisStorageAdapter) SavePriceSample(ctx context.Context, sample monitor.PriceSample) error {
	key := a.buildPriceHistoryKey(sample.Pair)

	jsonData, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("序列化价格采样失败: %w", err)
	}

	client := a.storage.Client()
	score := float64(sample.ObservedAt.UnixMilli())
	if err := client.ZAdd(ctx, key, redisLib.Z{Score: score, Member: string(jsonData)}).Err(); err != nil {
		return fmt.Errorf("保存价格采样到Redis失败: %w", err)
	}

	// 移除保留期之前的数据
	oldScore := sample.ObservedAt.Add(-a.retention).UnixMilli()
	if err := client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", oldScore)).Err(); err != nil {
		return fmt.Errorf("清理旧价格采样失败: %w", err)
	}
	return nil
}

// GetPriceHistory 实现 HistoryStore.GetPriceHistory
func (a *RedisStorageAdapter) GetPriceHistory(
	ctx context.Context,
	pair model.FxPair,
	startTime, endTime time.Time,
) ([]monitor.PriceSample, error) {
	key := a.buildPriceHistoryKey(pair)

	results, err := a.storage.Client().ZRangeByScore(ctx, key, &redisLib.ZRangeBy{
		Min: fmt.Sprintf("%d", startTime.UnixMilli()),
		Max: fmt.Sprintf("%d", endTime.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("获取价格历史失败: %w", err)
	}

	history := make([]monitor.PriceSample, 0, len(results))
	for _, item := range results {
		var sample monitor.PriceSample
		if err := json.Unmarshal([]byte(item), &sample); err != nil {
			return nil, fmt.Errorf("解析价格采样失败: %w", err)
		}
		history = append(history, sample)
	}
	return history, nil
}

// 构建价格历史键名
func (a *RedisStorageAdapter) buildPriceHistoryKey(pair model.FxPair) string {
	return a.storage.KeyPrefix() + "price_history:" + pair.ID()
}
