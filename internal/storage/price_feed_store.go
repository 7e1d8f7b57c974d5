package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/oracle"
	fxredis "github.com/life2you_mini/fxmargin/internal/redis"
)

// DefaultFeedKeyPrefix 价格记录键前缀，完整键为 <prefix><pair id>
const DefaultFeedKeyPrefix = "oracle:feed:"

// ErrPriceFeedNotFound 交易对没有价格记录
var ErrPriceFeedNotFound = errors.New("价格记录不存在")

// RedisPriceFeedStore 价格发布方写入、引擎读取的价格记录存储
type RedisPriceFeedStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisPriceFeedStore 创建价格记录存储
func NewRedisPriceFeedStore(sc *fxredis.StorageClient, feedKeyPrefix string, logger *zap.Logger) *RedisPriceFeedStore {
	if feedKeyPrefix == "" {
		feedKeyPrefix = DefaultFeedKeyPrefix
	}
	return &RedisPriceFeedStore{
		client:    sc.Client(),
		keyPrefix: sc.KeyPrefix() + feedKeyPrefix,
		logger:    logger.With(zap.String("component", "price_feed_store")),
	}
}

func (s *RedisPriceFeedStore) feedKey(pair model.FxPair) string {
	return s.keyPrefix + pair.ID()
}

// FetchPriceFeed 读取交易对的最新价格记录，校验交给 oracle.Reader
func (s *RedisPriceFeedStore) FetchPriceFeed(ctx context.Context, pair model.FxPair) (*oracle.PriceFeed, error) {
	jsonData, err := s.client.Get(ctx, s.feedKey(pair)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("交易对 %s: %w", pair, ErrPriceFeedNotFound)
		}
		return nil, fmt.Errorf("读取价格记录失败: %w", err)
	}

	var feed oracle.PriceFeed
	if err := json.Unmarshal(jsonData, &feed); err != nil {
		return nil, fmt.Errorf("解析价格记录失败: %w", err)
	}
	return &feed, nil
}

// PublishPriceFeed 写入交易对的最新价格记录
func (s *RedisPriceFeedStore) PublishPriceFeed(ctx context.Context, pair model.FxPair, feed *oracle.PriceFeed) error {
	jsonData, err := json.Marshal(feed)
	if err != nil {
		return fmt.Errorf("序列化价格记录失败: %w", err)
	}
	if err := s.client.Set(ctx, s.feedKey(pair), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("写入价格记录失败: %w", err)
	}

	s.logger.Debug("价格记录已更新", zap.String("pair", pair.String()), zap.String("owner", feed.Owner))
	return nil
}

// MemoryPriceFeedStore 内存价格记录存储，用于单进程部署和测试
type MemoryPriceFeedStore struct {
	mu    sync.RWMutex
	feeds map[model.FxPair]*oracle.PriceFeed
}

// NewMemoryPriceFeedStore 创建内存价格记录存储
func NewMemoryPriceFeedStore() *MemoryPriceFeedStore {
	return &MemoryPriceFeedStore{feeds: make(map[model.FxPair]*oracle.PriceFeed)}
}

// FetchPriceFeed 读取交易对的最新价格记录
func (s *MemoryPriceFeedStore) FetchPriceFeed(ctx context.Context, pair model.FxPair) (*oracle.PriceFeed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feed, ok := s.feeds[pair]
	if !ok {
		return nil, fmt.Errorf("交易对 %s: %w", pair, ErrPriceFeedNotFound)
	}
	cp := *feed
	cp.Data = append([]byte(nil), feed.Data...)
	return &cp, nil
}

// PublishPriceFeed 写入交易对的最新价格记录
func (s *MemoryPriceFeedStore) PublishPriceFeed(ctx context.Context, pair model.FxPair, feed *oracle.PriceFeed) error {
	cp := *feed
	cp.Data = append([]byte(nil), feed.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[pair] = &cp
	return nil
}
