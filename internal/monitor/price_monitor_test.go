package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/fxmargin/internal/mocks"
	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/oracle"
	fxredis "github.com/life2you_mini/fxmargin/internal/redis"
)

type stubQuoter struct {
	mu     sync.Mutex
	prices map[model.FxPair]oracle.Price
	err    error
}

func (q *stubQuoter) QuotePrice(ctx context.Context, pair model.FxPair) (oracle.Price, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return oracle.Price{}, q.err
	}
	return q.prices[pair], nil
}

func (q *stubQuoter) set(pair model.FxPair, value int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prices[pair] = oracle.Price{Value: value, Expo: -8}
}

type memoryHistory struct {
	mu      sync.Mutex
	samples []PriceSample
}

func (h *memoryHistory) SavePriceSample(ctx context.Context, sample PriceSample) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, sample)
	return nil
}

func (h *memoryHistory) GetPriceHistory(ctx context.Context, pair model.FxPair, start, end time.Time) ([]PriceSample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []PriceSample
	for _, s := range h.samples {
		if s.Pair == pair && !s.ObservedAt.Before(start) && !s.ObservedAt.After(end) {
			result = append(result, s)
		}
	}
	return result, nil
}

func TestMoveBps(t *testing.T) {
	tests := []struct {
		name string
		from PriceSample
		to   PriceSample
		want int64
	}{
		{"上涨截断", PriceSample{Price: 105_000_000, Expo: -8}, PriceSample{Price: 105_500_000, Expo: -8}, 47},
		{"下跌取绝对值", PriceSample{Price: 100, Expo: 0}, PriceSample{Price: 99, Expo: 0}, 100},
		{"不同指数", PriceSample{Price: 105, Expo: -2}, PriceSample{Price: 1_060_000, Expo: -6}, 95},
		{"基准为零", PriceSample{Price: 0, Expo: -8}, PriceSample{Price: 1, Expo: -8}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MoveBps(tt.from, tt.to))
		})
	}
}

func TestCheckAllPushesScanOnLargeMove(t *testing.T) {
	ctx := context.Background()
	quoter := &stubQuoter{prices: map[model.FxPair]oracle.Price{}}
	history := &memoryHistory{}
	queue := new(mocks.MockTaskQueue)

	m := NewPriceMonitor(quoter, history, queue, Options{
		Pairs:            []model.FxPair{model.EURUSD},
		MoveThresholdBps: 50,
	}, zaptest.NewLogger(t))
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	// 第一次采样只设置锚点
	quoter.set(model.EURUSD, 105_000_000)
	require.NoError(t, m.CheckAll(ctx))

	// 47bp 未超过阈值
	quoter.set(model.EURUSD, 105_500_000)
	require.NoError(t, m.CheckAll(ctx))

	queue.On("PushTask", mock.Anything, fxredis.QueueKeeperScan, mock.MatchedBy(func(task model.ScanTask) bool {
		return task.Reason == ScanReasonPriceMove && task.PositionID == nil && task.RequestedAt.Equal(now)
	})).Return(nil).Once()

	// 相对锚点下跌 100bp
	quoter.set(model.EURUSD, 103_950_000)
	require.NoError(t, m.CheckAll(ctx))

	// 锚点已更新，小幅变动不再触发
	quoter.set(model.EURUSD, 104_000_000)
	require.NoError(t, m.CheckAll(ctx))

	queue.AssertExpectations(t)
	assert.Len(t, m.GetRecentSamples(model.EURUSD), 4)
	assert.Len(t, history.samples, 4)
}

func TestCheckAllQuoteError(t *testing.T) {
	quoter := &stubQuoter{prices: map[model.FxPair]oracle.Price{}, err: model.ErrStalePriceData}
	queue := new(mocks.MockTaskQueue)

	m := NewPriceMonitor(quoter, nil, queue, Options{Pairs: []model.FxPair{model.GBPUSD}}, zaptest.NewLogger(t))

	err := m.CheckAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStalePriceData))
	assert.Empty(t, m.GetRecentSamples(model.GBPUSD))
	queue.AssertNotCalled(t, "PushTask", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckAllPushFailure(t *testing.T) {
	ctx := context.Background()
	quoter := &stubQuoter{prices: map[model.FxPair]oracle.Price{}}
	queue := new(mocks.MockTaskQueue)
	queue.On("PushTask", mock.Anything, fxredis.QueueKeeperScan, mock.Anything).Return(errors.New("redis down")).Once()

	m := NewPriceMonitor(quoter, nil, queue, Options{Pairs: []model.FxPair{model.USDJPY}}, zaptest.NewLogger(t))

	quoter.set(model.USDJPY, 15_000_000_000)
	require.NoError(t, m.CheckAll(ctx))
	quoter.set(model.USDJPY, 15_200_000_000)
	assert.Error(t, m.CheckAll(ctx))
	queue.AssertExpectations(t)
}

func TestRecentSamplesCapacity(t *testing.T) {
	quoter := &stubQuoter{prices: map[model.FxPair]oracle.Price{}}
	m := NewPriceMonitor(quoter, nil, new(mocks.MockTaskQueue), Options{
		Pairs:            []model.FxPair{model.EURUSD},
		HistoryCapacity:  3,
		MoveThresholdBps: 10_000,
	}, zaptest.NewLogger(t))

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		observed := base.Add(time.Duration(i) * time.Minute)
		m.now = func() time.Time { return observed }
		quoter.set(model.EURUSD, 105_000_000+int64(i))
		require.NoError(t, m.CheckAll(context.Background()))
	}

	samples := m.GetRecentSamples(model.EURUSD)
	require.Len(t, samples, 3)
	assert.Equal(t, int64(105_000_002), samples[0].Price)
	assert.Equal(t, int64(105_000_004), samples[2].Price)

	// 无持久化存储时从内存过滤
	history, err := m.GetPriceHistory(context.Background(), model.EURUSD, base.Add(3*time.Minute), base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestStartStopsOnCancel(t *testing.T) {
	quoter := &stubQuoter{prices: map[model.FxPair]oracle.Price{model.EURUSD: {Value: 105_000_000, Expo: -8}}}
	m := NewPriceMonitor(quoter, nil, new(mocks.MockTaskQueue), Options{
		Pairs:         []model.FxPair{model.EURUSD},
		CheckInterval: 5 * time.Millisecond,
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("监控未在取消后退出")
	}
	assert.NotEmpty(t, m.GetRecentSamples(model.EURUSD))
}
