package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	fxredis "github.com/life2you_mini/fxmargin/internal/redis"
)

// ErrInsufficientFunds 转出账户余额不足
var ErrInsufficientFunds = errors.New("账户余额不足")

const keyLedgerBalances = "fx:ledger:balances"

// 余额足够时原子划转，否则返回 0
const transferScript = `
local balance = tonumber(redis.call("hget", KEYS[1], ARGV[1]) or "0")
local amount = tonumber(ARGV[3])
if balance < amount then
	return 0
end
redis.call("hincrby", KEYS[1], ARGV[1], -amount)
redis.call("hincrby", KEYS[1], ARGV[2], amount)
return 1`

// MemoryLedger 内存托管账本
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]uint64
	logger   *zap.Logger
}

// NewMemoryLedger 创建内存账本
func NewMemoryLedger(logger *zap.Logger) *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]uint64),
		logger:   logger.With(zap.String("component", "memory_ledger")),
	}
}

// Credit 给账户入金
func (l *MemoryLedger) Credit(ctx context.Context, account string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[account] += amount
	return nil
}

// Balance 查询余额
func (l *MemoryLedger) Balance(ctx context.Context, account string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.balances[account], nil
}

// Transfer 划转资金，余额不足返回 ErrInsufficientFunds
func (l *MemoryLedger) Transfer(ctx context.Context, from, to string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from] < amount {
		return fmt.Errorf("%s 余额 %d 小于 %d: %w", from, l.balances[from], amount, ErrInsufficientFunds)
	}
	l.balances[from] -= amount
	l.balances[to] += amount

	l.logger.Debug("资金划转", zap.String("from", from), zap.String("to", to), zap.Uint64("amount", amount))
	return nil
}

// RedisLedger Redis 哈希表实现的托管账本
type RedisLedger struct {
	client     *redis.Client
	key        string
	transferSc *redis.Script
	logger     *zap.Logger
}

// NewRedisLedger 创建Redis账本
func NewRedisLedger(sc *fxredis.StorageClient, logger *zap.Logger) *RedisLedger {
	return &RedisLedger{
		client:     sc.Client(),
		key:        sc.KeyPrefix() + keyLedgerBalances,
		transferSc: redis.NewScript(transferScript),
		logger:     logger.With(zap.String("component", "redis_ledger")),
	}
}

// Credit 给账户入金
func (l *RedisLedger) Credit(ctx context.Context, account string, amount uint64) error {
	if err := l.client.HIncrBy(ctx, l.key, account, int64(amount)).Err(); err != nil {
		return fmt.Errorf("账户 %s 入金失败: %w", account, err)
	}
	return nil
}

// Balance 查询余额
func (l *RedisLedger) Balance(ctx context.Context, account string) (uint64, error) {
	balance, err := l.client.HGet(ctx, l.key, account).Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("查询账户 %s 余额失败: %w", account, err)
	}
	return balance, nil
}

// Transfer 划转资金，余额不足返回 ErrInsufficientFunds
func (l *RedisLedger) Transfer(ctx context.Context, from, to string, amount uint64) error {
	ok, err := l.transferSc.Run(ctx, l.client, []string{l.key}, from, to, amount).Int64()
	if err != nil {
		return fmt.Errorf("资金划转失败: %w", err)
	}
	if ok != 1 {
		return fmt.Errorf("%s 划转 %d: %w", from, amount, ErrInsufficientFunds)
	}

	l.logger.Debug("资金划转", zap.String("from", from), zap.String("to", to), zap.Uint64("amount", amount))
	return nil
}
