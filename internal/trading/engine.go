package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/life2you_mini/fxmargin/internal/metrics"
	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/oracle"
	"github.com/life2you_mini/fxmargin/internal/risk"
	"github.com/life2you_mini/fxmargin/internal/storage"
)

// 操作名称，用于日志和指标
const (
	opOpen       = "open"
	opClose      = "close"
	opDeleverage = "deleverage"
	opConfig     = "update_config"
)

// Engine 持仓生命周期：开仓、分档减仓、平仓
//
// 每个状态转换先在副本上完成全部校验和计算，再通过 Store.Commit
// 在同一个临界区内完成资金划转和记录写入。
type Engine struct {
	store      storage.Store
	prices     PriceSource
	custodian  Custodian
	authorizer Authorizer
	journal    Journal
	deleverage *risk.DeleverageEngine
	now        func() time.Time

	baseLogger *zap.Logger
	logger     *zap.Logger

	readerMu sync.Mutex
	reader   *oracle.Reader
}

// Option 引擎可选项
type Option func(*Engine)

// WithAuthorizer 替换默认的所有者权限校验
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) {
		e.authorizer = a
	}
}

// WithJournal 设置结算流水
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine 创建交易引擎
func NewEngine(store storage.Store, prices PriceSource, custodian Custodian, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		prices:     prices,
		custodian:  custodian,
		authorizer: OwnerAuthorizer{},
		journal:    nopJournal{},
		deleverage: risk.NewDeleverageEngine(logger),
		now:        time.Now,
		baseLogger: logger,
		logger:     logger.With(zap.String("component", "trading_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize 写入交易配置单例，已存在时保持不变
func (e *Engine) Initialize(ctx context.Context, cfg *model.TradingConfig) (*model.TradingConfig, error) {
	existing, err := e.store.GetConfig(ctx)
	if err == nil {
		e.logger.Info("交易配置已存在，跳过初始化",
			zap.String("authority", existing.Authority),
			zap.Uint64("position_counter", existing.PositionCounter))
		return existing, nil
	}
	if !errors.Is(err, storage.ErrConfigNotFound) {
		return nil, fmt.Errorf("读取交易配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("交易配置无效: %w", err)
	}
	seed := cfg.Clone()
	seed.PositionCounter = 0
	seed.Version = 1

	if err := e.store.Commit(ctx, storage.Transition{Config: seed}, nil); err != nil {
		return nil, fmt.Errorf("保存交易配置失败: %w", err)
	}

	e.logger.Info("交易配置已初始化",
		zap.String("authority", seed.Authority),
		zap.String("vault", seed.Vault),
		zap.Any("thresholds", seed.DeleverageThresholds))
	return seed.Clone(), nil
}

// Open 开仓
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	started := time.Now()
	result, err := e.open(ctx, req)
	if err != nil {
		e.reject(opOpen, err, zap.String("owner", req.Owner), zap.Uint8("pair", req.Pair))
		return nil, err
	}
	metrics.RecordOpen(result.Position.Pair.String(), result.Position.Direction.String(), started)
	return result, nil
}

func (e *Engine) open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取交易配置失败: %w", err)
	}
	if cfg.IsPaused {
		return nil, model.ErrTradingPaused
	}
	if req.Leverage < cfg.MinLeverage || req.Leverage > cfg.MaxLeverage || req.Leverage == 0 {
		return nil, fmt.Errorf("杠杆 %d 不在 [%d, %d] 范围内: %w",
			req.Leverage, cfg.MinLeverage, cfg.MaxLeverage, model.ErrInvalidLeverage)
	}
	pair, err := model.ParseFxPair(req.Pair)
	if err != nil {
		return nil, err
	}
	direction, err := model.ParseDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	collateral, err := model.ParseStablecoinType(req.Collateral)
	if err != nil {
		return nil, err
	}
	if req.Margin == 0 {
		return nil, model.ErrInsufficientMargin
	}

	price, err := e.readPrice(ctx, cfg, pair)
	if err != nil {
		return nil, err
	}
	if price.Value < 0 {
		return nil, fmt.Errorf("%s 价格 %s: %w", pair, price.Decimal(), model.ErrNegativePrice)
	}

	if req.Margin > math.MaxUint64/uint64(req.Leverage) {
		return nil, fmt.Errorf("保证金 %d × 杠杆 %d: %w", req.Margin, req.Leverage, model.ErrPositionSizeTooLarge)
	}
	size := req.Margin * uint64(req.Leverage)

	fee, err := risk.CalculateTradingFee(size, cfg.TradingFeeBps)
	if err != nil {
		return nil, fmt.Errorf("计算手续费失败: %w", err)
	}
	deposit := req.Margin + fee
	if deposit < req.Margin {
		return nil, fmt.Errorf("保证金加手续费: %w", model.ErrArithmeticOverflow)
	}

	triggers, err := risk.CalculateTriggerPrices(price.Value, direction, cfg.DeleverageThresholds)
	if err != nil {
		return nil, fmt.Errorf("计算触发价格失败: %w", err)
	}

	nextCfg := cfg.Clone()
	positionID, err := nextCfg.NextPositionID()
	if err != nil {
		return nil, fmt.Errorf("分配持仓ID失败: %w", err)
	}
	nextCfg.Version++

	now := e.now()
	pos := &model.Position{
		Owner:           req.Owner,
		PositionID:      positionID,
		IsOpen:          true,
		Pair:            pair,
		Direction:       direction,
		CollateralType:  collateral,
		Leverage:        req.Leverage,
		InitialLeverage: req.Leverage,
		Margin:          req.Margin,
		InitialMargin:   req.Margin,
		Size:            size,
		EntryPrice:      price.Value,
		EntryPriceExpo:  price.Expo,
		TriggerPrices:   triggers,
		OpenedAt:        now,
		Version:         1,
	}

	settle := e.settleTransfers(transfer{from: req.Owner, to: cfg.Vault, amount: deposit, reason: "保证金入金"})
	if err := e.store.Commit(ctx, storage.Transition{Position: pos, Config: nextCfg}, settle); err != nil {
		return nil, fmt.Errorf("提交开仓失败: %w", err)
	}

	e.logger.Info("开仓成功",
		zap.Uint64("position_id", pos.PositionID),
		zap.String("owner", pos.Owner),
		zap.String("pair", pair.String()),
		zap.String("direction", direction.String()),
		zap.Uint64("margin", pos.Margin),
		zap.Uint8("leverage", pos.Leverage),
		zap.Uint64("size", pos.Size),
		zap.String("entry_price", price.Decimal().String()),
		zap.Uint64("fee", fee),
		zap.Int64s("trigger_prices", triggers[:]))

	e.appendJournal(ctx, &model.SettlementEvent{
		PositionID:    pos.PositionID,
		Owner:         pos.Owner,
		Type:          model.EventOpen,
		Price:         price.Value,
		PriceExpo:     price.Expo,
		SizeDelta:     size,
		Fee:           fee,
		FeeRecipient:  cfg.Vault,
		MarginAfter:   pos.Margin,
		LeverageAfter: pos.Leverage,
		Timestamp:     now,
	})

	return &OpenResult{Position: pos.Clone(), TradingFee: fee, Price: price}, nil
}

// Close 所有者手动平仓，总是平掉全部剩余规模
func (e *Engine) Close(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	started := time.Now()
	result, err := e.close(ctx, req)
	if err != nil {
		e.reject(opClose, err, zap.Uint64("position_id", req.PositionID), zap.String("caller", req.Caller))
		return nil, err
	}
	metrics.RecordClose(started)
	return result, nil
}

func (e *Engine) close(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	pos, err := e.store.GetPosition(ctx, req.PositionID)
	if err != nil {
		return nil, fmt.Errorf("读取持仓失败: %w", err)
	}
	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取交易配置失败: %w", err)
	}
	if err := e.authorizer.AuthorizeClose(ctx, req.Caller, pos); err != nil {
		return nil, err
	}
	if !pos.IsOpen {
		return nil, fmt.Errorf("持仓 %d: %w: %w", pos.PositionID, model.ErrPositionAlreadyClosed, model.ErrPositionNotOpen)
	}

	price, err := e.readPrice(ctx, cfg, pos.Pair)
	if err != nil {
		return nil, err
	}
	pnl, err := risk.CalculateUnrealizedPnL(pos.EntryPrice, pos.EntryPriceExpo, price.Value, price.Expo, pos.Size, pos.Direction)
	if err != nil {
		return nil, fmt.Errorf("计算未实现盈亏失败: %w", err)
	}
	equity, err := risk.ApplyPnL(pos.Margin, pnl)
	if err != nil {
		return nil, fmt.Errorf("计算最终权益失败: %w", err)
	}
	finalPnL, err := risk.USDCToSettlement(pnl, risk.DefaultSettlementPrice)
	if err != nil {
		return nil, fmt.Errorf("换算最终盈亏失败: %w", err)
	}

	now := e.now()
	next := pos.Clone()
	next.Size = 0
	next.MarkClosed(now, &finalPnL)
	next.Version = pos.Version + 1

	// 退还保证金，盈亏以结算代币记账
	marginReturn := pos.Margin
	settle := e.settleTransfers(transfer{from: cfg.Vault, to: pos.Owner, amount: marginReturn, reason: "退还保证金"})
	if err := e.store.Commit(ctx, storage.Transition{Position: next}, settle); err != nil {
		return nil, fmt.Errorf("提交平仓失败: %w", err)
	}

	e.logger.Info("平仓成功",
		zap.Uint64("position_id", pos.PositionID),
		zap.String("owner", pos.Owner),
		zap.String("price", price.Decimal().String()),
		zap.Uint64("closed_size", pos.Size),
		zap.Int64("pnl", pnl),
		zap.Uint64("equity", equity),
		zap.Uint64("margin_return", marginReturn))

	e.appendJournal(ctx, &model.SettlementEvent{
		PositionID:    pos.PositionID,
		Owner:         pos.Owner,
		Type:          model.EventClose,
		Price:         price.Value,
		PriceExpo:     price.Expo,
		SizeDelta:     pos.Size,
		PnL:           pnl,
		MarginAfter:   next.Margin,
		LeverageAfter: next.Leverage,
		Timestamp:     now,
	})

	return &CloseResult{
		Position:      next.Clone(),
		Price:         price,
		UnrealizedPnL: pnl,
		FinalEquity:   equity,
		MarginReturn:  marginReturn,
	}, nil
}

// TriggerDeleverage 执行一个减仓档位，任何人都可以调用，奖励付给 Keeper
func (e *Engine) TriggerDeleverage(ctx context.Context, req DeleverageRequest) (*DeleverageOutcome, error) {
	started := time.Now()
	outcome, err := e.triggerDeleverage(ctx, req)
	if err != nil {
		e.reject(opDeleverage, err, zap.Uint64("position_id", req.PositionID), zap.Uint8("tier", req.Tier))
		return nil, err
	}
	metrics.RecordDeleverage(outcome.Tier, outcome.KeeperReward, outcome.FullyClosed, started)
	return outcome, nil
}

func (e *Engine) triggerDeleverage(ctx context.Context, req DeleverageRequest) (*DeleverageOutcome, error) {
	// 不需要价格就能判断的条件先检查，避免无谓的价格读取
	if int(req.Tier) >= model.TierCount {
		return nil, fmt.Errorf("档位 %d: %w", req.Tier, model.ErrInvalidDeleverageTier)
	}
	pos, err := e.store.GetPosition(ctx, req.PositionID)
	if err != nil {
		return nil, fmt.Errorf("读取持仓失败: %w", err)
	}
	if pos.TierExecuted(req.Tier) {
		return nil, fmt.Errorf("持仓 %d 档位 %d: %w", pos.PositionID, req.Tier, model.ErrDeleverageTierAlreadyExecuted)
	}
	if !pos.IsOpen {
		return nil, fmt.Errorf("持仓 %d: %w", pos.PositionID, model.ErrPositionNotOpen)
	}
	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取交易配置失败: %w", err)
	}

	price, err := e.readPrice(ctx, cfg, pos.Pair)
	if err != nil {
		return nil, err
	}

	now := e.now()
	result, err := e.deleverage.Execute(pos, risk.DeleverageParams{
		Tier:         req.Tier,
		Price:        price,
		Thresholds:   cfg.DeleverageThresholds,
		KeeperFeeBps: cfg.KeeperFeeBps,
		Now:          now,
	})
	if err != nil {
		return nil, err
	}
	next := result.Position
	next.Version = pos.Version + 1

	reward := result.KeeperReward
	if req.Keeper == "" {
		reward = 0
	}
	var marginReturn uint64
	if result.FullyClosed {
		marginReturn = next.Margin
	}

	settle := e.settleTransfers(
		transfer{from: cfg.Vault, to: req.Keeper, amount: reward, reason: "支付执行人奖励"},
		transfer{from: cfg.Vault, to: pos.Owner, amount: marginReturn, reason: "退还保证金"},
	)
	if err := e.store.Commit(ctx, storage.Transition{Position: next}, settle); err != nil {
		return nil, fmt.Errorf("提交减仓失败: %w", err)
	}

	tier := result.Tier
	e.appendJournal(ctx, &model.SettlementEvent{
		PositionID:    pos.PositionID,
		Owner:         pos.Owner,
		Type:          model.EventDeleverage,
		Tier:          &tier,
		Price:         price.Value,
		PriceExpo:     price.Expo,
		SizeDelta:     result.CloseSize,
		PnL:           result.ClosedPnL,
		Fee:           reward,
		FeeRecipient:  req.Keeper,
		MarginAfter:   next.Margin,
		LeverageAfter: next.Leverage,
		Timestamp:     now,
	})

	return &DeleverageOutcome{
		Position:     next.Clone(),
		Price:        price,
		Tier:         tier,
		MarginHealth: result.MarginHealth,
		CloseSize:    result.CloseSize,
		ClosedPnL:    result.ClosedPnL,
		KeeperReward: reward,
		FullyClosed:  result.FullyClosed,
	}, nil
}

// UpdateConfig 管理员更新配置
func (e *Engine) UpdateConfig(ctx context.Context, caller string, update ConfigUpdate) (*model.TradingConfig, error) {
	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取交易配置失败: %w", err)
	}
	if err := e.authorizer.AuthorizeAdmin(ctx, caller, cfg); err != nil {
		e.reject(opConfig, err, zap.String("caller", caller))
		return nil, err
	}

	next := cfg.Clone()
	if update.TradingFeeBps != nil {
		next.TradingFeeBps = *update.TradingFeeBps
	}
	if update.KeeperFeeBps != nil {
		next.KeeperFeeBps = *update.KeeperFeeBps
	}
	if update.MaxLeverage != nil {
		next.MaxLeverage = *update.MaxLeverage
	}
	if update.MinLeverage != nil {
		next.MinLeverage = *update.MinLeverage
	}
	if update.IsPaused != nil {
		next.IsPaused = *update.IsPaused
	}
	if err := next.Validate(); err != nil {
		e.reject(opConfig, err, zap.String("caller", caller))
		return nil, err
	}
	next.Version = cfg.Version + 1

	if err := e.store.Commit(ctx, storage.Transition{Config: next}, nil); err != nil {
		return nil, fmt.Errorf("提交配置更新失败: %w", err)
	}

	e.logger.Info("交易配置已更新",
		zap.String("caller", caller),
		zap.Uint16("trading_fee_bps", next.TradingFeeBps),
		zap.Uint16("keeper_fee_bps", next.KeeperFeeBps),
		zap.Uint8("min_leverage", next.MinLeverage),
		zap.Uint8("max_leverage", next.MaxLeverage),
		zap.Bool("paused", next.IsPaused))
	return next.Clone(), nil
}

// GetConfig 读取交易配置
func (e *Engine) GetConfig(ctx context.Context) (*model.TradingConfig, error) {
	return e.store.GetConfig(ctx)
}

// GetPosition 读取持仓
func (e *Engine) GetPosition(ctx context.Context, positionID uint64) (*model.Position, error) {
	return e.store.GetPosition(ctx, positionID)
}

// ListOpenPositions 列出所有开放持仓
func (e *Engine) ListOpenPositions(ctx context.Context) ([]*model.Position, error) {
	return e.store.ListOpenPositions(ctx)
}

// ListPositionsByOwner 列出某个所有者的全部持仓
func (e *Engine) ListPositionsByOwner(ctx context.Context, owner string) ([]*model.Position, error) {
	return e.store.ListPositionsByOwner(ctx, owner)
}

// QuotePrice 按当前配置读取并校验价格
func (e *Engine) QuotePrice(ctx context.Context, pair model.FxPair) (oracle.Price, error) {
	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return oracle.Price{}, fmt.Errorf("读取交易配置失败: %w", err)
	}
	return e.readPrice(ctx, cfg, pair)
}

// readPrice 每次状态转换都重新读取并校验价格，不做缓存
func (e *Engine) readPrice(ctx context.Context, cfg *model.TradingConfig, pair model.FxPair) (oracle.Price, error) {
	feed, err := e.prices.FetchPriceFeed(ctx, pair)
	if err != nil {
		if errors.Is(err, storage.ErrPriceFeedNotFound) {
			err = fmt.Errorf("%w: %w", err, model.ErrInvalidOracleAccount)
			metrics.RecordOracleRejection(pair.String(), model.CodeOf(err))
		}
		return oracle.Price{}, fmt.Errorf("获取 %s 价格记录失败: %w", pair, err)
	}

	price, err := e.oracleReader(cfg.OracleAuthority).ReadPrice(feed, pair, cfg.MaxPriceAge, cfg.MaxPriceConfidenceBps, e.now())
	if err != nil {
		metrics.RecordOracleRejection(pair.String(), model.CodeOf(err))
		return oracle.Price{}, err
	}
	return price, nil
}

func (e *Engine) oracleReader(authority string) *oracle.Reader {
	e.readerMu.Lock()
	defer e.readerMu.Unlock()

	if e.reader == nil || e.reader.Authority() != authority {
		e.reader = oracle.NewReader(authority, e.baseLogger)
	}
	return e.reader
}

// appendJournal 流水写入失败不影响已提交的状态转换
func (e *Engine) appendJournal(ctx context.Context, event *model.SettlementEvent) {
	event.ID = uuid.NewString()
	if err := e.journal.Append(ctx, event); err != nil {
		e.logger.Warn("写入结算流水失败",
			zap.Uint64("position_id", event.PositionID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

func (e *Engine) reject(op string, err error, fields ...zap.Field) {
	code := model.CodeOf(err)
	metrics.RecordRejection(op, code)

	fields = append(fields,
		zap.String("op", op),
		zap.String("code", code),
		zap.String("category", model.CategoryOf(err).String()),
		zap.Error(err))
	e.logger.Warn("状态转换被拒绝", fields...)
}
