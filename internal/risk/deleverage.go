package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/oracle"
)

// 档位编号
const (
	Tier0 uint8 = iota
	Tier1
	Tier2
	Tier3
)

// tier2TargetLeverage 第三档把杠杆降到 2 倍
const tier2TargetLeverage uint8 = 2

// DeleverageParams 一次减仓的输入
type DeleverageParams struct {
	Tier         uint8
	Price        oracle.Price // 已校验的当前价格
	Thresholds   [model.TierCount]uint8
	KeeperFeeBps uint16
	Now          time.Time
}

// DeleverageResult 一次减仓的计算结果
type DeleverageResult struct {
	Position        *model.Position // 减仓后的持仓（副本）
	Tier            uint8
	TriggerPrice    int64
	MarginHealth    uint8  // 执行前的健康度
	UnrealizedPnL   int64  // 执行前整个仓位的未实现盈亏
	ClosePercentage uint64 // 平仓比例（%）
	CloseSize       uint64 // 平掉的名义价值
	ClosedPnL       int64  // 计入保证金的已实现盈亏
	NewLeverage     uint8
	KeeperReward    uint64 // 付给触发者的奖励
	FullyClosed     bool
}

// DeleverageEngine 分档自动减仓状态机
type DeleverageEngine struct {
	logger *zap.Logger
}

// NewDeleverageEngine 创建减仓引擎
func NewDeleverageEngine(logger *zap.Logger) *DeleverageEngine {
	return &DeleverageEngine{
		logger: logger.With(zap.String("component", "deleverage_engine")),
	}
}

// Execute 执行一个减仓档位
//
// 前置条件按顺序检查，第一个失败即返回：档位合法、档位未执行、持仓开放、
// 价格越过触发价、健康度不高于阈值。所有计算都在副本上完成，
// 传入的持仓不会被修改，只有全部成功才返回新的持仓。
func (e *DeleverageEngine) Execute(pos *model.Position, params DeleverageParams) (*DeleverageResult, error) {
	tier := params.Tier
	if int(tier) >= model.TierCount {
		return nil, fmt.Errorf("档位 %d: %w", tier, model.ErrInvalidDeleverageTier)
	}
	if pos.DeleverageExecuted[tier] {
		return nil, fmt.Errorf("持仓 %d 档位 %d: %w", pos.PositionID, tier, model.ErrDeleverageTierAlreadyExecuted)
	}
	if !pos.IsOpen {
		return nil, fmt.Errorf("持仓 %d: %w", pos.PositionID, model.ErrPositionNotOpen)
	}

	triggerPrice := pos.TriggerPrices[tier]
	if !HasCrossedTrigger(params.Price, triggerPrice, pos.EntryPriceExpo, pos.Direction) {
		return nil, fmt.Errorf("持仓 %d 档位 %d 价格未越过触发价 %d: %w",
			pos.PositionID, tier, triggerPrice, model.ErrMarginHealthAboveThreshold)
	}

	pnl, err := CalculateUnrealizedPnL(pos.EntryPrice, pos.EntryPriceExpo, params.Price.Value, params.Price.Expo, pos.Size, pos.Direction)
	if err != nil {
		return nil, fmt.Errorf("计算未实现盈亏失败: %w", err)
	}
	health, err := CalculateMarginHealth(pos.Margin, pos.InitialMargin, pnl)
	if err != nil {
		return nil, fmt.Errorf("计算保证金健康度失败: %w", err)
	}
	if health > params.Thresholds[tier] {
		return nil, fmt.Errorf("持仓 %d 健康度 %d 高于档位 %d 阈值 %d: %w",
			pos.PositionID, health, tier, params.Thresholds[tier], model.ErrMarginHealthAboveThreshold)
	}

	closePct, newLeverage, err := tierPlan(pos, tier)
	if err != nil {
		return nil, fmt.Errorf("计算档位 %d 平仓比例失败: %w", tier, err)
	}
	// 杠杆只减不增
	if newLeverage > pos.Leverage {
		newLeverage = pos.Leverage
	}

	closeSize, closedPnL, err := closeAmounts(pos.Size, pnl, closePct)
	if err != nil {
		return nil, err
	}
	margin, err := ApplyPnL(pos.Margin, closedPnL)
	if err != nil {
		return nil, fmt.Errorf("保证金结算失败: %w", err)
	}
	reward, err := CalculateKeeperReward(closeSize, params.KeeperFeeBps)
	if err != nil {
		return nil, fmt.Errorf("计算执行人奖励失败: %w", err)
	}

	next := pos.Clone()
	next.Size = pos.Size - closeSize
	next.Margin = margin
	next.Leverage = newLeverage
	next.DeleverageExecuted[tier] = true

	fullyClosed := tier == Tier3
	if fullyClosed {
		finalPnL, err := USDCToSettlement(closedPnL, DefaultSettlementPrice)
		if err != nil {
			return nil, fmt.Errorf("换算最终盈亏失败: %w", err)
		}
		next.Size = 0
		next.MarkClosed(params.Now, &finalPnL)
	}

	e.logger.Info("执行减仓档位",
		zap.Uint64("position_id", pos.PositionID),
		zap.Uint8("tier", tier),
		zap.String("price", params.Price.Decimal().String()),
		zap.String("trigger_price", decimal.New(triggerPrice, pos.EntryPriceExpo).String()),
		zap.Uint8("health", health),
		zap.Uint64("close_pct", closePct),
		zap.Uint64("close_size", closeSize),
		zap.Int64("closed_pnl", closedPnL),
		zap.Uint8("leverage", newLeverage),
		zap.Uint64("margin", margin),
		zap.Bool("fully_closed", fullyClosed))

	return &DeleverageResult{
		Position:        next,
		Tier:            tier,
		TriggerPrice:    triggerPrice,
		MarginHealth:    health,
		UnrealizedPnL:   pnl,
		ClosePercentage: closePct,
		CloseSize:       closeSize,
		ClosedPnL:       closedPnL,
		NewLeverage:     newLeverage,
		KeeperReward:    reward,
		FullyClosed:     fullyClosed,
	}, nil
}

// tierPlan 返回档位的平仓比例和目标杠杆
func tierPlan(pos *model.Position, tier uint8) (uint64, uint8, error) {
	switch tier {
	case Tier0:
		return 50, pos.InitialLeverage / 2, nil
	case Tier1:
		return 50, pos.Leverage / 2, nil
	case Tier2:
		targetSize := decU(pos.Margin).Mul(decimal.NewFromInt(int64(tier2TargetLeverage)))
		closeSize := decU(pos.Size).Sub(targetSize)
		if closeSize.IsNegative() {
			return 0, 0, fmt.Errorf("规模 %d 小于目标规模 %s: %w", pos.Size, targetSize, model.ErrArithmeticUnderflow)
		}
		pct, err := quoTrunc(closeSize.Mul(decHundred), decU(pos.Size))
		if err != nil {
			return 0, 0, err
		}
		return pct.BigInt().Uint64(), tier2TargetLeverage, nil
	case Tier3:
		return 100, 0, nil
	}
	return 0, 0, model.ErrInvalidDeleverageTier
}

// closeAmounts 按比例计算平仓规模和已实现盈亏，100% 时直接取全量避免舍入
func closeAmounts(size uint64, pnl int64, pct uint64) (uint64, int64, error) {
	if pct >= 100 {
		return size, pnl, nil
	}
	closeSize, err := quoTrunc(decU(size).Mul(decU(pct)), decHundred)
	if err != nil {
		return 0, 0, err
	}
	closedPnL, err := quoTrunc(decimal.NewFromInt(pnl).Mul(decU(pct)), decHundred)
	if err != nil {
		return 0, 0, err
	}
	cs, err := toUint64(closeSize)
	if err != nil {
		return 0, 0, err
	}
	cp, err := toInt64(closedPnL)
	if err != nil {
		return 0, 0, err
	}
	return cs, cp, nil
}
