package trading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/fxmargin/internal/mocks"
	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/monitor"
	fxredis "github.com/life2you_mini/fxmargin/internal/redis"
)

func TestTrader_HandleRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := new(mocks.MockTaskQueue)
	queue.On("PushTask", mock.Anything, fxredis.QueueKeeperScan, mock.MatchedBy(func(task model.ScanTask) bool {
		return task.PositionID != nil && *task.PositionID == 0 && task.Reason == "opened"
	})).Return(nil).Once()

	trader := NewTrader(ctx, f.engine, queue, zaptest.NewLogger(t))

	f.expectPrice(model.EURUSD, entryPrice)
	result := trader.HandleRequest(ctx, &Request{
		ID:     "req-1",
		Action: ActionOpen,
		Open:   &OpenRequest{Owner: testOwner, Margin: 1000 * usdc, Leverage: 2},
	})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "req-1", result.RequestID)
	require.NotNil(t, result.Position)
	assert.Equal(t, uint64(0), result.Position.PositionID)

	// 失败结果携带错误编码
	result = trader.HandleRequest(ctx, &Request{
		ID:     "req-2",
		Action: ActionClose,
		Close:  &CloseRequest{PositionID: 0, Caller: testKeeper},
	})
	assert.False(t, result.Success)
	assert.Equal(t, "UnauthorizedClose", result.Code)

	result = trader.HandleRequest(ctx, &Request{
		ID:         "req-3",
		Action:     ActionDeleverage,
		Deleverage: &DeleverageRequest{PositionID: 0, Tier: 9},
	})
	assert.False(t, result.Success)
	assert.Equal(t, "InvalidDeleverageTier", result.Code)

	result = trader.HandleRequest(ctx, &Request{ID: "req-4", Action: ActionOpen})
	assert.False(t, result.Success)
	assert.Equal(t, "Unknown", result.Code)

	result = trader.HandleRequest(ctx, &Request{ID: "req-5", Action: "LIQUIDATE"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "LIQUIDATE")

	queue.AssertExpectations(t)
}

func TestTrader_StartStop(t *testing.T) {
	f := newFixture(t)
	queue := new(mocks.MockTaskQueue)
	queue.On("PopTask", mock.Anything, fxredis.QueueTradingRequests, queuePopTimeout).Return(nil, nil).After(10 * time.Millisecond)

	trader := NewTrader(context.Background(), f.engine, queue, zaptest.NewLogger(t))
	require.NoError(t, trader.Start())
	assert.Error(t, trader.Start())
	require.NoError(t, trader.Stop())
	require.NoError(t, trader.Stop())
}

func TestTrader_ListPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	closed := f.openLong(t, 1000*usdc, 2)
	open := f.openLong(t, 500*usdc, 2)

	// 上涨 5% 平掉第一个仓位
	f.expectPrice(model.EURUSD, 110_250_000)
	_, err := f.engine.Close(ctx, CloseRequest{PositionID: closed.PositionID, Caller: testOwner})
	require.NoError(t, err)

	trader := NewTrader(ctx, f.engine, new(mocks.MockTaskQueue), zaptest.NewLogger(t))
	result := trader.HandleRequest(ctx, &Request{
		ID:     "q-1",
		Action: ActionListPositions,
		Query:  &QueryRequest{Owner: testOwner},
	})
	require.True(t, result.Success, result.Error)
	require.Len(t, result.Positions, 2)

	first := result.Positions[0]
	assert.Equal(t, closed.PositionID, first.PositionID)
	assert.Equal(t, int64(1_050_000), first.DisplayEntryPrice)
	require.NotNil(t, first.FinalPnL)
	require.NotNil(t, first.FinalPnLUSDC)
	assert.Equal(t, *first.FinalPnL, *first.FinalPnLUSDC)
	assert.Positive(t, *first.FinalPnLUSDC)

	second := result.Positions[1]
	assert.Equal(t, open.PositionID, second.PositionID)
	assert.True(t, second.IsOpen)
	assert.Nil(t, second.FinalPnLUSDC)

	result = trader.HandleRequest(ctx, &Request{ID: "q-2", Action: ActionListPositions, Query: &QueryRequest{}})
	assert.False(t, result.Success)

	result = trader.HandleRequest(ctx, &Request{ID: "q-3", Action: ActionListPositions})
	assert.False(t, result.Success)
	f.prices.AssertExpectations(t)
}

func TestTrader_SettlementHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 未配置流水查询
	trader := NewTrader(ctx, f.engine, new(mocks.MockTaskQueue), zaptest.NewLogger(t))
	result := trader.HandleRequest(ctx, &Request{ID: "h-0", Action: ActionSettlementHistory, Query: &QueryRequest{}})
	assert.False(t, result.Success)

	tier := uint8(0)
	byPosition := []*model.SettlementEvent{
		{ID: "e-1", PositionID: 7, Type: model.EventOpen},
		{ID: "e-2", PositionID: 7, Type: model.EventDeleverage, Tier: &tier},
	}
	recent := []*model.SettlementEvent{{ID: "e-9", PositionID: 9, Type: model.EventClose}}
	f.journal.On("ListByPosition", mock.Anything, uint64(7)).Return(byPosition, nil).Once()
	f.journal.On("ListRecent", mock.Anything, defaultHistoryLimit).Return(recent, nil).Once()
	f.journal.On("ListRecent", mock.Anything, 3).Return(nil, errors.New("pq: connection refused")).Once()

	trader = NewTrader(ctx, f.engine, new(mocks.MockTaskQueue), zaptest.NewLogger(t), WithSettlementHistory(f.journal))

	id := uint64(7)
	result = trader.HandleRequest(ctx, &Request{ID: "h-1", Action: ActionSettlementHistory, Query: &QueryRequest{PositionID: &id}})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, byPosition, result.Events)

	result = trader.HandleRequest(ctx, &Request{ID: "h-2", Action: ActionSettlementHistory, Query: &QueryRequest{}})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, recent, result.Events)

	result = trader.HandleRequest(ctx, &Request{ID: "h-3", Action: ActionSettlementHistory, Query: &QueryRequest{Limit: 3}})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "connection refused")

	f.journal.AssertExpectations(t)
}

func TestTrader_PriceHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	priceMonitor := monitor.NewPriceMonitor(f.engine, nil, new(mocks.MockTaskQueue), monitor.Options{
		Pairs: []model.FxPair{model.EURUSD},
	}, logger)
	f.expectPrice(model.EURUSD, entryPrice)
	require.NoError(t, priceMonitor.CheckAll(ctx))

	trader := NewTrader(ctx, f.engine, new(mocks.MockTaskQueue), logger, WithPriceHistory(priceMonitor))
	result := trader.HandleRequest(ctx, &Request{
		ID:     "p-1",
		Action: ActionPriceHistory,
		Query:  &QueryRequest{Pair: uint8(model.EURUSD)},
	})
	require.True(t, result.Success, result.Error)
	require.Len(t, result.Samples, 1)
	assert.Equal(t, entryPrice, result.Samples[0].Price)
	assert.Equal(t, int32(-8), result.Samples[0].Expo)

	// 时间窗口之外没有采样
	result = trader.HandleRequest(ctx, &Request{
		ID:     "p-2",
		Action: ActionPriceHistory,
		Query:  &QueryRequest{Pair: uint8(model.EURUSD), End: time.Unix(0, 0)},
	})
	require.True(t, result.Success, result.Error)
	assert.Empty(t, result.Samples)

	result = trader.HandleRequest(ctx, &Request{
		ID:     "p-3",
		Action: ActionPriceHistory,
		Query:  &QueryRequest{Pair: 99},
	})
	assert.False(t, result.Success)
	assert.Equal(t, "InvalidPair", result.Code)
	f.prices.AssertExpectations(t)
}

func TestNewPositionView_Overflow(t *testing.T) {
	pos := &model.Position{PositionID: 4, EntryPrice: 9_000_000_000_000_000_000, EntryPriceExpo: 0}
	_, err := NewPositionView(pos)
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)
}
