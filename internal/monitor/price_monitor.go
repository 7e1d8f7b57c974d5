package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/oracle"
	fxredis "github.com/life2you_mini/fxmargin/internal/redis"
)

// 常量定义
const (
	DefaultCheckInterval    = 15 * time.Second
	DefaultMoveThresholdBps = 50  // 0.5%
	DefaultHistoryCapacity  = 240 // 每个交易对在内存中保留的采样点
	HistoryRetention        = 7 * 24 * time.Hour

	ScanReasonPriceMove = "price_move"
)

// PriceQuoter 读取经过校验的当前价格
type PriceQuoter interface {
	QuotePrice(ctx context.Context, pair model.FxPair) (oracle.Price, error)
}

// HistoryStore 价格采样的持久化
type HistoryStore interface {
	SavePriceSample(ctx context.Context, sample PriceSample) error
	GetPriceHistory(ctx context.Context, pair model.FxPair, start, end time.Time) ([]PriceSample, error)
}

// TaskPusher 推送 keeper 扫描任务
type TaskPusher interface {
	PushTask(ctx context.Context, queue string, task interface{}) error
}

// PriceSample 一次价格采样
type PriceSample struct {
	Pair       model.FxPair `json:"pair"`
	Price      int64        `json:"price"`
	Expo       int32        `json:"expo"`
	ObservedAt time.Time    `json:"observed_at"`
}

// Decimal 采样价格的十进制表示
func (s PriceSample) Decimal() decimal.Decimal {
	return decimal.New(s.Price, s.Expo)
}

// Options 监控参数
type Options struct {
	Pairs            []model.FxPair
	CheckInterval    time.Duration
	MoveThresholdBps int64
	HistoryCapacity  int
}

// PriceMonitor 价格波动监控：定时采样各交易对价格，
// 相对上次触发扫描时的价格变动超过阈值时推送一次全量扫描任务
type PriceMonitor struct {
	quoter  PriceQuoter
	history HistoryStore
	queue   TaskPusher
	logger  *zap.Logger

	pairs            []model.FxPair
	checkInterval    time.Duration
	moveThresholdBps int64
	historyCapacity  int
	now              func() time.Time

	mu      sync.RWMutex
	samples map[model.FxPair][]PriceSample
	anchors map[model.FxPair]PriceSample // 上次触发扫描时的价格
}

// NewPriceMonitor 创建价格监控组件，history 可以为空
func NewPriceMonitor(quoter PriceQuoter, history HistoryStore, queue TaskPusher, opts Options, logger *zap.Logger) *PriceMonitor {
	if len(opts.Pairs) == 0 {
		opts.Pairs = model.AllFxPairs()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.MoveThresholdBps <= 0 {
		opts.MoveThresholdBps = DefaultMoveThresholdBps
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = DefaultHistoryCapacity
	}

	return &PriceMonitor{
		quoter:           quoter,
		history:          history,
		queue:            queue,
		logger:           logger.With(zap.String("component", "price_monitor")),
		pairs:            opts.Pairs,
		checkInterval:    opts.CheckInterval,
		moveThresholdBps: opts.MoveThresholdBps,
		historyCapacity:  opts.HistoryCapacity,
		now:              time.Now,
		samples:          make(map[model.FxPair][]PriceSample),
		anchors:          make(map[model.FxPair]PriceSample),
	}
}

// Start 启动监控，阻塞直到 ctx 结束
func (m *PriceMonitor) Start(ctx context.Context) error {
	m.logger.Info("启动价格监控服务",
		zap.Int("pairs", len(m.pairs)),
		zap.Duration("interval", m.checkInterval),
		zap.Int64("move_threshold_bps", m.moveThresholdBps))

	if err := m.CheckAll(ctx); err != nil {
		m.logger.Warn("初始价格检查失败", zap.Error(err))
	}

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("价格监控服务停止")
			return nil
		case <-ticker.C:
			if err := m.CheckAll(ctx); err != nil {
				m.logger.Warn("价格检查失败", zap.Error(err))
			}
		}
	}
}

// CheckAll 检查所有交易对，只返回第一个错误
func (m *PriceMonitor) CheckAll(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, pair := range m.pairs {
		wg.Add(1)
		go func(p model.FxPair) {
			defer wg.Done()
			if err := m.checkPair(ctx, p); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(pair)
	}

	wg.Wait()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (m *PriceMonitor) checkPair(ctx context.Context, pair model.FxPair) error {
	price, err := m.quoter.QuotePrice(ctx, pair)
	if err != nil {
		return fmt.Errorf("获取%s价格失败: %w", pair, err)
	}

	sample := PriceSample{
		Pair:       pair,
		Price:      price.Value,
		Expo:       price.Expo,
		ObservedAt: m.now(),
	}

	if m.history != nil {
		if err := m.history.SavePriceSample(ctx, sample); err != nil {
			m.logger.Warn("保存价格采样失败", zap.String("pair", pair.String()), zap.Error(err))
		}
	}

	moveBps, triggered := m.record(sample)
	if !triggered {
		return nil
	}

	m.logger.Info("价格波动超过阈值，触发持仓扫描",
		zap.String("pair", pair.String()),
		zap.String("price", sample.Decimal().String()),
		zap.Int64("move_bps", moveBps))

	task := model.ScanTask{Reason: ScanReasonPriceMove, RequestedAt: sample.ObservedAt}
	if err := m.queue.PushTask(ctx, fxredis.QueueKeeperScan, task); err != nil {
		return fmt.Errorf("推送扫描任务失败: %w", err)
	}
	return nil
}

// record 追加采样并判断是否需要触发扫描，第一次采样只设置锚点
func (m *PriceMonitor) record(sample PriceSample) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.samples[sample.Pair], sample)
	if len(history) > m.historyCapacity {
		history = history[len(history)-m.historyCapacity:]
	}
	m.samples[sample.Pair] = history

	anchor, ok := m.anchors[sample.Pair]
	if !ok {
		m.anchors[sample.Pair] = sample
		return 0, false
	}

	moveBps := MoveBps(anchor, sample)
	if moveBps < m.moveThresholdBps {
		return moveBps, false
	}
	m.anchors[sample.Pair] = sample
	return moveBps, true
}

// MoveBps 两次采样之间价格变动的绝对值（基点，截断）
func MoveBps(from, to PriceSample) int64 {
	base := from.Decimal()
	if base.IsZero() {
		return 0
	}
	return to.Decimal().Sub(base).Abs().Mul(decimal.NewFromInt(10000)).Div(base.Abs()).Truncate(0).IntPart()
}

// GetRecentSamples 返回内存中的最近采样
func (m *PriceMonitor) GetRecentSamples(pair model.FxPair) []PriceSample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	samples := m.samples[pair]
	result := make([]PriceSample, len(samples))
	copy(result, samples)
	return result
}

// GetPriceHistory 从持久化存储读取历史采样
func (m *PriceMonitor) GetPriceHistory(ctx context.Context, pair model.FxPair, start, end time.Time) ([]PriceSample, error) {
	if m.history == nil {
		return m.filterRecent(pair, start, end), nil
	}
	return m.history.GetPriceHistory(ctx, pair, start, end)
}

func (m *PriceMonitor) filterRecent(pair model.FxPair, start, end time.Time) []PriceSample {
	var result []PriceSample
	for _, s := range m.GetRecentSamples(pair) {
		if s.ObservedAt.Before(start) || s.ObservedAt.After(end) {
			continue
		}
		result = append(result, s)
	}
	return result
}
