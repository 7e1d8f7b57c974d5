package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/life2you_mini/fxmargin/internal/metrics"
	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/oracle"
	fxredis "github.com/life2you_mini/fxmargin/internal/redis"
	"github.com/life2you_mini/fxmargin/internal/risk"
	"github.com/life2you_mini/fxmargin/internal/trading"
)

const (
	// 任务处理超时
	taskProcessTimeout = 15 * time.Second

	// 阻塞读取队列的超时
	queuePopTimeout = 5 * time.Second

	lockKeyPrefix = "keeper:position:"

	// 扫描来源
	TriggerTimer = "timer"
	TriggerQueue = "queue"
	TriggerRetry = "retry"
)

// Deleverager 交易引擎中 keeper 用到的部分
type Deleverager interface {
	TriggerDeleverage(ctx context.Context, req trading.DeleverageRequest) (*trading.DeleverageOutcome, error)
	ListOpenPositions(ctx context.Context) ([]*model.Position, error)
	GetPosition(ctx context.Context, positionID uint64) (*model.Position, error)
	GetConfig(ctx context.Context) (*model.TradingConfig, error)
	QuotePrice(ctx context.Context, pair model.FxPair) (oracle.Price, error)
}

// TaskQueue 扫描任务队列
type TaskQueue interface {
	PopTask(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	PushDelayedTask(ctx context.Context, queue string, task interface{}, delay time.Duration) error
	MoveReadyTasksToQueue(ctx context.Context, delayedQueue, targetQueue string) (int, error)
}

// Locker 多实例部署时按持仓加锁
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration, keys ...string) (func(), error)
}

// Options keeper 参数
type Options struct {
	KeeperID     string        // 奖励接收账户
	ScanInterval time.Duration // 定时扫描间隔
	Workers      int           // 并发评估的持仓数
	LockTTL      time.Duration
	RetryDelay   time.Duration // 价格不可用时的重试延迟
	MaxRetries   int
}

// PositionRisk 单个持仓的风险评估
type PositionRisk struct {
	PositionID    uint64       `json:"position_id"`
	Pair          string       `json:"pair"`
	Price         oracle.Price `json:"price"`
	UnrealizedPnL int64        `json:"unrealized_pnl"`
	MarginHealth  uint8        `json:"margin_health"`
	Underwater    bool         `json:"underwater"` // 权益为负，减仓会因下溢失败
	RiskLevel     string       `json:"risk_level"`
	EligibleTiers []uint8      `json:"eligible_tiers"` // 当前可执行的档位，升序
}

// Evaluate 评估持仓风险，不修改任何状态
func Evaluate(pos *model.Position, price oracle.Price, thresholds [model.TierCount]uint8) (*PositionRisk, error) {
	pnl, err := risk.CalculateUnrealizedPnL(pos.EntryPrice, pos.EntryPriceExpo, price.Value, price.Expo, pos.Size, pos.Direction)
	if err != nil {
		return nil, fmt.Errorf("计算持仓 %d 未实现盈亏失败: %w", pos.PositionID, err)
	}

	report := &PositionRisk{
		PositionID:    pos.PositionID,
		Pair:          pos.Pair.String(),
		Price:         price,
		UnrealizedPnL: pnl,
	}

	health, err := risk.CalculateMarginHealth(pos.Margin, pos.InitialMargin, pnl)
	switch {
	case errors.Is(err, model.ErrArithmeticUnderflow):
		report.Underwater = true
	case err != nil:
		return nil, fmt.Errorf("计算持仓 %d 健康度失败: %w", pos.PositionID, err)
	default:
		report.MarginHealth = health
	}
	report.RiskLevel = risk.EvaluateRiskLevel(report.MarginHealth, thresholds)

	if !pos.IsOpen {
		return report, nil
	}
	for i := 0; i < model.TierCount; i++ {
		tier := uint8(i)
		if pos.DeleverageExecuted[tier] {
			continue
		}
		if !risk.HasCrossedTrigger(price, pos.TriggerPrices[tier], pos.EntryPriceExpo, pos.Direction) {
			continue
		}
		if report.MarginHealth <= thresholds[tier] {
			report.EligibleTiers = append(report.EligibleTiers, tier)
		}
	}
	return report, nil
}

// Keeper 监控开放持仓，价格越过触发价时提交减仓并领取奖励
type Keeper struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
	deleverager Deleverager
	queue       TaskQueue
	locker      Locker
	opts        Options
	wg          sync.WaitGroup
	isRunning   bool
	mutex       sync.Mutex
}

// NewKeeper 创建 keeper，queue 和 locker 可以为 nil
func NewKeeper(parentCtx context.Context, deleverager Deleverager, queue TaskQueue, locker Locker, opts Options, logger *zap.Logger) *Keeper {
	ctx, cancel := context.WithCancel(parentCtx)

	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 10 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}

	return &Keeper{
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With(zap.String("component", "keeper"), zap.String("keeper_id", opts.KeeperID)),
		deleverager: deleverager,
		queue:       queue,
		locker:      locker,
		opts:        opts,
	}
}

// Start 启动 keeper
func (k *Keeper) Start() error {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	if k.isRunning {
		return fmt.Errorf("keeper已在运行")
	}

	k.logger.Info("启动keeper",
		zap.Duration("scan_interval", k.opts.ScanInterval),
		zap.Int("workers", k.opts.Workers))
	k.isRunning = true

	k.wg.Add(1)
	go k.scanLoop()

	if k.queue != nil {
		k.wg.Add(1)
		go k.processScanQueue()
	}

	return nil
}

// Stop 停止 keeper
func (k *Keeper) Stop() error {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	if !k.isRunning {
		return nil
	}

	k.logger.Info("停止keeper")
	k.cancel()

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()

	// 等待最多5秒钟
	select {
	case <-done:
		k.logger.Info("keeper已停止")
	case <-time.After(5 * time.Second):
		k.logger.Warn("keeper停止超时")
	}

	k.isRunning = false
	return nil
}

// scanLoop 定时扫描全部开放持仓，并把到期的重试任务放回扫描队列
func (k *Keeper) scanLoop() {
	defer k.wg.Done()

	ticker := time.NewTicker(k.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.ctx.Done():
			k.logger.Info("结束定时扫描")
			return
		case <-ticker.C:
			if k.queue != nil {
				if n, err := k.queue.MoveReadyTasksToQueue(k.ctx, fxredis.QueueKeeperRetry, fxredis.QueueKeeperScan); err != nil {
					k.logger.Warn("转移重试任务失败", zap.Error(err))
				} else if n > 0 {
					k.logger.Debug("重试任务已放回扫描队列", zap.Int("count", n))
				}
			}
			if err := k.Scan(k.ctx, TriggerTimer); err != nil && k.ctx.Err() == nil {
				k.logger.Error("定时扫描失败", zap.Error(err))
			}
		}
	}
}

// processScanQueue 处理扫描队列
func (k *Keeper) processScanQueue() {
	defer k.wg.Done()

	k.logger.Info("开始处理扫描队列")

	for {
		select {
		case <-k.ctx.Done():
			k.logger.Info("结束扫描队列处理")
			return
		default:
		}

		taskBytes, err := k.queue.PopTask(k.ctx, fxredis.QueueKeeperScan, queuePopTimeout)
		if err != nil {
			if k.ctx.Err() == nil {
				k.logger.Error("从扫描队列获取任务失败", zap.Error(err))
			}
			// 避免错误导致CPU空转
			time.Sleep(1 * time.Second)
			continue
		}
		if taskBytes == nil {
			continue
		}

		var task model.ScanTask
		if err := json.Unmarshal(taskBytes, &task); err != nil {
			k.logger.Error("解析扫描任务失败", zap.Error(err), zap.String("data", string(taskBytes)))
			continue
		}

		processCtx, cancel := context.WithTimeout(k.ctx, taskProcessTimeout)
		if err := k.HandleTask(processCtx, task); err != nil {
			k.logger.Error("处理扫描任务失败", zap.String("reason", task.Reason), zap.Error(err))
		}
		cancel()
	}
}

// HandleTask 处理一个扫描任务，指定持仓时只检查该持仓
func (k *Keeper) HandleTask(ctx context.Context, task model.ScanTask) error {
	if task.PositionID == nil {
		trigger := TriggerQueue
		if task.Attempt > 0 {
			trigger = TriggerRetry
		}
		return k.Scan(ctx, trigger)
	}

	pos, err := k.deleverager.GetPosition(ctx, *task.PositionID)
	if err != nil {
		return fmt.Errorf("读取持仓 %d 失败: %w", *task.PositionID, err)
	}
	if !pos.IsOpen {
		return nil
	}
	cfg, err := k.deleverager.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("读取交易配置失败: %w", err)
	}
	price, err := k.deleverager.QuotePrice(ctx, pos.Pair)
	if err != nil {
		k.scheduleRetry(ctx, task, err)
		return nil
	}
	k.processPosition(ctx, pos, price, cfg.DeleverageThresholds, task.Attempt)
	return nil
}

// Scan 评估全部开放持仓，每个交易对只读取一次价格
func (k *Keeper) Scan(ctx context.Context, trigger string) error {
	positions, err := k.deleverager.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("获取开放持仓失败: %w", err)
	}
	cfg, err := k.deleverager.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("读取交易配置失败: %w", err)
	}

	prices := make(map[model.FxPair]oracle.Price)
	unavailable := make(map[model.FxPair]bool)
	for _, pos := range positions {
		if _, ok := prices[pos.Pair]; ok || unavailable[pos.Pair] {
			continue
		}
		price, err := k.deleverager.QuotePrice(ctx, pos.Pair)
		if err != nil {
			unavailable[pos.Pair] = true
			k.logger.Warn("获取价格失败，跳过该交易对",
				zap.String("pair", pos.Pair.String()),
				zap.String("code", model.CodeOf(err)),
				zap.Error(err))
			continue
		}
		prices[pos.Pair] = price
	}

	var (
		levelMu sync.Mutex
		levels  = map[string]int{risk.RiskLevelLow: 0, risk.RiskLevelMedium: 0, risk.RiskLevelHigh: 0}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.opts.Workers)
	for _, pos := range positions {
		pos := pos
		price, ok := prices[pos.Pair]
		if !ok {
			id := pos.PositionID
			k.scheduleRetry(ctx, model.ScanTask{PositionID: &id, Reason: "price_unavailable"}, nil)
			continue
		}
		g.Go(func() error {
			level := k.processPosition(gctx, pos, price, cfg.DeleverageThresholds, 0)
			if level != "" {
				levelMu.Lock()
				levels[level]++
				levelMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	metrics.UpdateScan(trigger, len(positions), levels)
	k.logger.Debug("扫描完成",
		zap.String("trigger", trigger),
		zap.Int("positions", len(positions)),
		zap.Int("high_risk", levels[risk.RiskLevelHigh]))
	return nil
}

// processPosition 依次提交当前可执行的最低档位，返回最终风险等级
func (k *Keeper) processPosition(ctx context.Context, pos *model.Position, price oracle.Price, thresholds [model.TierCount]uint8, attempt int) string {
	report, err := Evaluate(pos, price, thresholds)
	if err != nil {
		k.logger.Error("评估持仓风险失败", zap.Uint64("position_id", pos.PositionID), zap.Error(err))
		return ""
	}
	if len(report.EligibleTiers) == 0 {
		return report.RiskLevel
	}

	if k.locker != nil {
		unlock, err := k.locker.Acquire(ctx, k.opts.LockTTL, fmt.Sprintf("%s%d", lockKeyPrefix, pos.PositionID))
		if err != nil {
			if errors.Is(err, fxredis.ErrLockHeld) {
				k.logger.Debug("持仓正由其他keeper处理", zap.Uint64("position_id", pos.PositionID))
			} else {
				k.logger.Warn("获取持仓锁失败", zap.Uint64("position_id", pos.PositionID), zap.Error(err))
			}
			return report.RiskLevel
		}
		defer unlock()
	}

	current := pos
	skipped := make(map[uint8]bool)
	for {
		tier, ok := nextTier(report.EligibleTiers, skipped)
		if !ok {
			return report.RiskLevel
		}
		k.logger.Info("持仓达到减仓条件",
			zap.Uint64("position_id", current.PositionID),
			zap.Uint8("tier", tier),
			zap.String("price", price.Decimal().String()),
			zap.Uint8("health", report.MarginHealth),
			zap.Int64("unrealized_pnl", report.UnrealizedPnL),
			zap.Bool("underwater", report.Underwater))

		outcome, err := k.deleverager.TriggerDeleverage(ctx, trading.DeleverageRequest{
			PositionID: current.PositionID,
			Tier:       tier,
			Keeper:     k.opts.KeeperID,
		})
		if err != nil {
			k.handleDeleverageError(ctx, current, tier, attempt, err)
			// 档位不按顺序执行，算术失败时尝试更高档位
			if model.CategoryOf(err) == model.CategoryArithmetic {
				skipped[tier] = true
				continue
			}
			return report.RiskLevel
		}

		k.logger.Info("减仓已执行",
			zap.Uint64("position_id", current.PositionID),
			zap.Uint8("tier", tier),
			zap.Uint64("close_size", outcome.CloseSize),
			zap.Uint64("reward", outcome.KeeperReward),
			zap.Int("executed_tiers", outcome.Position.ExecutedTiers()),
			zap.Bool("fully_closed", outcome.FullyClosed))
		if outcome.FullyClosed {
			return report.RiskLevel
		}

		// 用执行后的持仓和成交价格继续判断更高档位
		current = outcome.Position
		price = outcome.Price
		report, err = Evaluate(current, price, thresholds)
		if err != nil {
			k.logger.Error("评估持仓风险失败", zap.Uint64("position_id", current.PositionID), zap.Error(err))
			return ""
		}
	}
}

func nextTier(eligible []uint8, skipped map[uint8]bool) (uint8, bool) {
	for _, tier := range eligible {
		if !skipped[tier] {
			return tier, true
		}
	}
	return 0, false
}

func (k *Keeper) handleDeleverageError(ctx context.Context, pos *model.Position, tier uint8, attempt int, err error) {
	fields := []zap.Field{
		zap.Uint64("position_id", pos.PositionID),
		zap.Uint8("tier", tier),
		zap.String("code", model.CodeOf(err)),
		zap.Error(err),
	}

	switch {
	case errors.Is(err, model.ErrDeleverageTierAlreadyExecuted),
		errors.Is(err, model.ErrPositionNotOpen),
		errors.Is(err, model.ErrMarginHealthAboveThreshold):
		// 其他 keeper 已执行或价格已回落
		k.logger.Debug("减仓无需执行", fields...)
	case model.CategoryOf(err) == model.CategoryOracle:
		id := pos.PositionID
		k.scheduleRetry(ctx, model.ScanTask{PositionID: &id, Reason: "oracle_rejected", Attempt: attempt}, err)
	case errors.Is(err, model.ErrArithmeticUnderflow):
		k.logger.Error("减仓结算下溢，需要人工处理", fields...)
	default:
		k.logger.Error("提交减仓失败", fields...)
	}
}

// scheduleRetry 价格不可用时延迟重试，超过次数后放弃，等待下一轮定时扫描
func (k *Keeper) scheduleRetry(ctx context.Context, task model.ScanTask, cause error) {
	if k.queue == nil {
		return
	}
	task.Attempt++
	if task.Attempt > k.opts.MaxRetries {
		k.logger.Warn("重试次数已用完", zap.String("reason", task.Reason), zap.Int("attempt", task.Attempt-1), zap.Error(cause))
		return
	}
	task.RequestedAt = time.Now()
	if err := k.queue.PushDelayedTask(ctx, fxredis.QueueKeeperRetry, task, k.opts.RetryDelay); err != nil {
		k.logger.Warn("添加重试任务失败", zap.String("reason", task.Reason), zap.Error(err))
	}
}
