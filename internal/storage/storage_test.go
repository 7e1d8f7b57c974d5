package storage

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/oracle"
	fxredis "github.com/life2you_mini/fxmargin/internal/redis"
)

func newPosition(id uint64, owner string, version uint64) *model.Position {
	return &model.Position{
		Owner:           owner,
		PositionID:      id,
		IsOpen:          true,
		Pair:            model.EURUSD,
		Direction:       model.DirectionLong,
		Leverage:        10,
		InitialLeverage: 10,
		Margin:          1_000_000_000,
		InitialMargin:   1_000_000_000,
		Size:            10_000_000_000,
		EntryPrice:      105000000,
		EntryPriceExpo:  -8,
		TriggerPrices:   [4]int64{52500000, 36750000, 26250000, 15750000},
		OpenedAt:        time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		Version:         version,
	}
}

// runStoreContract 所有 Store 实现共享的行为测试
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	require.NoError(t, store.Initialize(ctx))
	require.NoError(t, store.Health(ctx))

	_, err := store.GetConfig(ctx)
	assert.ErrorIs(t, err, ErrConfigNotFound)
	_, err = store.GetPosition(ctx, 0)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	cfg := model.NewTradingConfig("admin", "vault", "treasury", "oracle")
	cfg.Version = 1
	require.NoError(t, store.Commit(ctx, Transition{Config: cfg}, nil))

	// 重复初始化
	err = store.Commit(ctx, Transition{Config: cfg}, nil)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	t.Run("开仓提交", func(t *testing.T) {
		nextCfg := cfg.Clone()
		_, err := nextCfg.NextPositionID()
		require.NoError(t, err)
		nextCfg.Version = 2

		settled := false
		err = store.Commit(ctx, Transition{Position: newPosition(0, "alice", 1), Config: nextCfg}, func(ctx context.Context) (CompensateFunc, error) {
			settled = true
			return nil, nil
		})
		require.NoError(t, err)
		assert.True(t, settled)

		stored, err := store.GetConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stored.PositionCounter)
		assert.Equal(t, uint64(2), stored.Version)

		pos, err := store.GetPosition(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, newPosition(0, "alice", 1), pos)
	})

	t.Run("划转失败不写入", func(t *testing.T) {
		next := newPosition(0, "alice", 2)
		next.Margin = 1
		err := store.Commit(ctx, Transition{Position: next}, func(ctx context.Context) (CompensateFunc, error) {
			return nil, ErrInsufficientFunds
		})
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		pos, err := store.GetPosition(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), pos.Version)
		assert.Equal(t, uint64(1_000_000_000), pos.Margin)
	})

	t.Run("版本冲突", func(t *testing.T) {
		settled := false
		settle := func(ctx context.Context) (CompensateFunc, error) {
			settled = true
			return nil, nil
		}

		// 版本跳跃
		err := store.Commit(ctx, Transition{Position: newPosition(0, "alice", 3)}, settle)
		assert.ErrorIs(t, err, ErrConcurrentModification)
		// 已存在的记录不能按新记录写入
		err = store.Commit(ctx, Transition{Position: newPosition(0, "alice", 1)}, settle)
		assert.ErrorIs(t, err, ErrConcurrentModification)
		// 新记录版本必须为 1
		err = store.Commit(ctx, Transition{Position: newPosition(5, "alice", 2)}, settle)
		assert.ErrorIs(t, err, ErrConcurrentModification)

		assert.False(t, settled)
	})

	t.Run("关闭后移出开放集合", func(t *testing.T) {
		require.NoError(t, store.Commit(ctx, Transition{Position: newPosition(1, "bob", 1)}, nil))

		open, err := store.ListOpenPositions(ctx)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, uint64(0), open[0].PositionID)
		assert.Equal(t, uint64(1), open[1].PositionID)

		closed := newPosition(0, "alice", 2)
		closed.MarkClosed(time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC), nil)
		require.NoError(t, store.Commit(ctx, Transition{Position: closed}, nil))

		open, err = store.ListOpenPositions(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, uint64(1), open[0].PositionID)

		owned, err := store.ListPositionsByOwner(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.False(t, owned[0].IsOpen)
		assert.NotNil(t, owned[0].ClosedAt)
	})
}

func TestMemoryStorage(t *testing.T) {
	runStoreContract(t, NewMemoryStorage(zaptest.NewLogger(t)))
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(zaptest.NewLogger(t))
	require.NoError(t, store.Commit(ctx, Transition{Position: newPosition(0, "alice", 1)}, nil))

	pos, err := store.GetPosition(ctx, 0)
	require.NoError(t, err)
	pos.Margin = 0
	pos.DeleverageExecuted[0] = true

	again, err := store.GetPosition(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000), again.Margin)
	assert.False(t, again.DeleverageExecuted[0])
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(zaptest.NewLogger(t))
	require.NoError(t, ledger.Credit(ctx, "alice", 100))

	require.NoError(t, ledger.Transfer(ctx, "alice", "vault", 60))
	err := ledger.Transfer(ctx, "alice", "vault", 41)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	alice, _ := ledger.Balance(ctx, "alice")
	vault, _ := ledger.Balance(ctx, "vault")
	assert.Equal(t, uint64(40), alice)
	assert.Equal(t, uint64(60), vault)
}

// newTestStorageClient 需要设置 FXMARGIN_TEST_REDIS_ADDR（host:port）才会运行
func newTestStorageClient(t *testing.T) *fxredis.StorageClient {
	addr := os.Getenv("FXMARGIN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("未设置 FXMARGIN_TEST_REDIS_ADDR，跳过Redis测试")
	}

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err, "地址格式应为 host:port")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	prefix := "test:" + uuid.New().String() + ":"
	sc, err := fxredis.NewStorageClient(context.Background(), fxredis.ClientOptions{Host: host, Port: port}, prefix, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := sc.Client().Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			sc.Client().Del(ctx, keys...)
		}
		_ = sc.Close()
	})
	return sc
}

func TestRedisStorage(t *testing.T) {
	sc := newTestStorageClient(t)
	runStoreContract(t, &redisStoreNoClose{NewRedisStorage(sc, time.Second, zaptest.NewLogger(t))})
}

// redisStoreNoClose 连接由测试清理逻辑关闭
type redisStoreNoClose struct {
	*RedisStorage
}

func (s *redisStoreNoClose) Close(ctx context.Context) error { return nil }

func TestRedisStorage_LockHeld(t *testing.T) {
	sc := newTestStorageClient(t)
	store := NewRedisStorage(sc, time.Second, zaptest.NewLogger(t))
	ctx := context.Background()

	unlock, err := sc.GetLockManager().Acquire(ctx, time.Second, store.positionKey(9))
	require.NoError(t, err)
	defer unlock()

	err = store.Commit(ctx, Transition{Position: newPosition(9, "alice", 1)}, nil)
	assert.ErrorIs(t, err, ErrConcurrentModification)
}

func TestRedisLedger(t *testing.T) {
	sc := newTestStorageClient(t)
	ctx := context.Background()
	ledger := NewRedisLedger(sc, zaptest.NewLogger(t))

	require.NoError(t, ledger.Credit(ctx, "alice", 100))
	require.NoError(t, ledger.Transfer(ctx, "alice", "vault", 60))
	err := ledger.Transfer(ctx, "alice", "vault", 41)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	alice, err := ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(40), alice)

	empty, err := ledger.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestRedisPriceFeedStore(t *testing.T) {
	sc := newTestStorageClient(t)
	ctx := context.Background()
	feeds := NewRedisPriceFeedStore(sc, "", zaptest.NewLogger(t))

	_, err := feeds.FetchPriceFeed(ctx, model.EURUSD)
	assert.ErrorIs(t, err, ErrPriceFeedNotFound)

	feed := &oracle.PriceFeed{
		Owner:  "oracle",
		FeedID: oracle.FeedID(model.EURUSD),
		Data:   oracle.EncodePriceUpdate(oracle.PriceUpdate{Price: 105000000, Expo: -8, PublishTime: 1700000000}),
	}
	require.NoError(t, feeds.PublishPriceFeed(ctx, model.EURUSD, feed))

	got, err := feeds.FetchPriceFeed(ctx, model.EURUSD)
	require.NoError(t, err)
	assert.Equal(t, feed, got)
}

func TestMemoryPriceFeedStore(t *testing.T) {
	ctx := context.Background()
	feeds := NewMemoryPriceFeedStore()

	_, err := feeds.FetchPriceFeed(ctx, model.GBPUSD)
	assert.ErrorIs(t, err, ErrPriceFeedNotFound)

	feed := &oracle.PriceFeed{
		Owner:  "oracle",
		FeedID: oracle.FeedID(model.GBPUSD),
		Data:   oracle.EncodePriceUpdate(oracle.PriceUpdate{Price: 127000000, Expo: -8, PublishTime: 1700000000}),
	}
	require.NoError(t, feeds.PublishPriceFeed(ctx, model.GBPUSD, feed))

	got, err := feeds.FetchPriceFeed(ctx, model.GBPUSD)
	require.NoError(t, err)
	assert.Equal(t, feed, got)

	// 返回副本
	got.Data[0] ^= 0xff
	again, err := feeds.FetchPriceFeed(ctx, model.GBPUSD)
	require.NoError(t, err)
	assert.Equal(t, feed.Data, again.Data)
}

func TestSettleAndWrite(t *testing.T) {
	writeErr := errors.New("redis: connection pool timeout")

	tests := []struct {
		name          string
		settleErr     error
		writeErr      error
		compensateErr error
		wantWrite     bool
		wantReversed  bool
		wantErr       error
	}{
		{name: "全部成功", wantWrite: true},
		{name: "划转失败不写入", settleErr: ErrInsufficientFunds, wantErr: ErrInsufficientFunds},
		{name: "写入失败冲正划转", writeErr: writeErr, wantWrite: true, wantReversed: true, wantErr: writeErr},
		{name: "冲正失败仍返回写入错误", writeErr: writeErr, compensateErr: ErrInsufficientFunds, wantWrite: true, wantReversed: true, wantErr: writeErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			reversed, written := false, false

			settle := func(ctx context.Context) (CompensateFunc, error) {
				if tt.settleErr != nil {
					return nil, tt.settleErr
				}
				return func(ctx context.Context) error {
					// 请求取消后仍然冲正
					assert.NoError(t, ctx.Err())
					reversed = true
					return tt.compensateErr
				}, nil
			}
			write := func(ctx context.Context) error {
				written = true
				cancel()
				return tt.writeErr
			}

			err := settleAndWrite(ctx, settle, write, zaptest.NewLogger(t))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantWrite, written)
			assert.Equal(t, tt.wantReversed, reversed)
			if tt.compensateErr != nil {
				assert.Contains(t, err.Error(), "资金冲正失败")
			}
		})
	}

	// 没有 settle 时直接写入
	require.NoError(t, settleAndWrite(context.Background(), nil, func(ctx context.Context) error { return nil }, zaptest.NewLogger(t)))
}
