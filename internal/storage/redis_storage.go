package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/life2you_mini/fxmargin/internal/model"
	fxredis "github.com/life2you_mini/fxmargin/internal/redis"
)

// Redis 键常量（均带 StorageClient 的键前缀）
const (
	keyConfig           = "fx:config"
	keyPositionPrefix   = "fx:position:"
	keyPositionsOpen    = "fx:positions:open"
	keyPositionsByOwner = "fx:positions:owner:"

	// 已关闭持仓保留时间，历史由结算流水长期保存
	expiryClosedPosition = 180 * 24 * time.Hour

	// DefaultLockTTL 提交锁的默认过期时间
	DefaultLockTTL = 10 * time.Second
)

// RedisStorage Redis存储实现
type RedisStorage struct {
	client  *redis.Client
	locks   *fxredis.LockManager
	prefix  string
	lockTTL time.Duration
	logger  *zap.Logger
}

// NewRedisStorage 创建Redis存储
func NewRedisStorage(sc *fxredis.StorageClient, lockTTL time.Duration, logger *zap.Logger) *RedisStorage {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &RedisStorage{
		client:  sc.Client(),
		locks:   sc.GetLockManager(),
		prefix:  sc.KeyPrefix(),
		lockTTL: lockTTL,
		logger:  logger.With(zap.String("component", "redis_storage")),
	}
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (s *RedisStorage) positionKey(id uint64) string {
	return s.key(keyPositionPrefix, strconv.FormatUint(id, 10))
}

// Initialize 初始化Redis存储
func (s *RedisStorage) Initialize(ctx context.Context) error {
	// 测试连接
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Error("Redis连接失败", zap.Error(err))
		return fmt.Errorf("redis连接失败: %w", err)
	}

	s.logger.Info("Redis存储初始化成功")
	return nil
}

// Close 关闭Redis连接
func (s *RedisStorage) Close(ctx context.Context) error {
	if err := s.client.Close(); err != nil {
		s.logger.Error("关闭Redis连接失败", zap.Error(err))
		return fmt.Errorf("关闭Redis连接失败: %w", err)
	}

	s.logger.Info("Redis连接已关闭")
	return nil
}

// Health 检查Redis健康状态
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetConfig 获取交易配置
func (s *RedisStorage) GetConfig(ctx context.Context) (*model.TradingConfig, error) {
	jsonData, err := s.client.Get(ctx, s.key(keyConfig)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("获取交易配置失败: %w", err)
	}

	var cfg model.TradingConfig
	if err := json.Unmarshal([]byte(jsonData), &cfg); err != nil {
		return nil, fmt.Errorf("解析交易配置失败: %w", err)
	}
	return &cfg, nil
}

// GetPosition 根据ID获取持仓信息
func (s *RedisStorage) GetPosition(ctx context.Context, positionID uint64) (*model.Position, error) {
	jsonData, err := s.client.Get(ctx, s.positionKey(positionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("持仓 %d: %w", positionID, ErrPositionNotFound)
		}
		return nil, fmt.Errorf("获取持仓数据失败: %w", err)
	}

	var position model.Position
	if err := json.Unmarshal([]byte(jsonData), &position); err != nil {
		return nil, fmt.Errorf("解析持仓数据失败: %w", err)
	}
	return &position, nil
}

// ListOpenPositions 获取所有开放持仓
func (s *RedisStorage) ListOpenPositions(ctx context.Context) ([]*model.Position, error) {
	return s.listBySet(ctx, s.key(keyPositionsOpen))
}

// ListPositionsByOwner 获取某个用户的全部持仓
func (s *RedisStorage) ListPositionsByOwner(ctx context.Context, owner string) ([]*model.Position, error) {
	return s.listBySet(ctx, s.key(keyPositionsByOwner, owner))
}

func (s *RedisStorage) listBySet(ctx context.Context, setKey string) ([]*model.Position, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("获取持仓ID列表失败: %w", err)
	}

	positions := make([]*model.Position, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.logger.Warn("持仓ID格式错误", zap.String("position_id", raw))
			continue
		}
		position, err := s.GetPosition(ctx, id)
		if err != nil {
			s.logger.Warn("获取持仓数据失败", zap.Error(err), zap.Uint64("position_id", id))
			continue
		}
		positions = append(positions, position)
	}

	sort.Slice(positions, func(i, j int) bool { return positions[i].PositionID < positions[j].PositionID })
	return positions, nil
}

// Commit 加锁后校验版本、执行资金划转，再用 MULTI/EXEC 一次性写入，写入失败时冲正划转
func (s *RedisStorage) Commit(ctx context.Context, tr Transition, settle SettleFunc) error {
	// 锁键与数据键同名，由 LockManager 加 lock: 前缀
	var lockKeys []string
	if tr.Config != nil {
		lockKeys = append(lockKeys, s.key(keyConfig))
	}
	if tr.Position != nil {
		lockKeys = append(lockKeys, s.positionKey(tr.Position.PositionID))
	}
	if len(lockKeys) == 0 {
		return nil
	}

	unlock, err := s.locks.Acquire(ctx, s.lockTTL, lockKeys...)
	if err != nil {
		if errors.Is(err, fxredis.ErrLockHeld) {
			return fmt.Errorf("%v: %w", err, ErrConcurrentModification)
		}
		return err
	}
	defer unlock()

	if err := s.checkVersions(ctx, tr); err != nil {
		return err
	}

	return settleAndWrite(ctx, settle, func(ctx context.Context) error {
		if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.queueWrites(ctx, pipe, tr)
		}); err != nil {
			s.logger.Error("写入状态转换失败",
				zap.Any("position", tr.Position),
				zap.Any("config", tr.Config),
				zap.Error(err))
			return fmt.Errorf("写入状态转换失败: %w", err)
		}
		return nil
	}, s.logger)
}

func (s *RedisStorage) checkVersions(ctx context.Context, tr Transition) error {
	if tr.Config != nil {
		current, err := s.GetConfig(ctx)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrConfigNotFound) {
			return err
		}
		var stored uint64
		if exists {
			stored = current.Version
		}
		if err := checkVersion(stored, tr.Config.Version, exists); err != nil {
			return fmt.Errorf("交易配置版本 %d: %w", tr.Config.Version, err)
		}
	}
	if tr.Position != nil {
		current, err := s.GetPosition(ctx, tr.Position.PositionID)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrPositionNotFound) {
			return err
		}
		var stored uint64
		if exists {
			stored = current.Version
		}
		if err := checkVersion(stored, tr.Position.Version, exists); err != nil {
			return fmt.Errorf("持仓 %d 版本 %d: %w", tr.Position.PositionID, tr.Position.Version, err)
		}
	}
	return nil
}

func (s *RedisStorage) queueWrites(ctx context.Context, pipe redis.Pipeliner, tr Transition) error {
	if tr.Config != nil {
		data, err := json.Marshal(tr.Config)
		if err != nil {
			return fmt.Errorf("序列化交易配置失败: %w", err)
		}
		pipe.Set(ctx, s.key(keyConfig), data, 0)
	}

	if pos := tr.Position; pos != nil {
		data, err := json.Marshal(pos)
		if err != nil {
			return fmt.Errorf("序列化持仓数据失败: %w", err)
		}
		id := strconv.FormatUint(pos.PositionID, 10)

		if pos.IsOpen {
			pipe.Set(ctx, s.positionKey(pos.PositionID), data, 0)
			pipe.SAdd(ctx, s.key(keyPositionsOpen), id)
		} else {
			pipe.Set(ctx, s.positionKey(pos.PositionID), data, expiryClosedPosition)
			pipe.SRem(ctx, s.key(keyPositionsOpen), id)
		}
		pipe.SAdd(ctx, s.key(keyPositionsByOwner, pos.Owner), id)
	}
	return nil
}
