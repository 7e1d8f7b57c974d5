package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/oracle"
)

const (
	// 风险等级常量
	RiskLevelLow    = "LOW"
	RiskLevelMedium = "MEDIUM"
	RiskLevelHigh   = "HIGH"

	// MaxHealth 健康度上限
	MaxHealth uint8 = 100

	// DefaultSettlementPrice 结算代币价格（6位小数），默认 1:1
	DefaultSettlementPrice uint64 = 1_000_000
)

// CalculateUnrealizedPnL 计算未实现盈亏（结算币最小单位，正数为盈利）
// 两个价格先统一到较细的指数：较粗的一方乘以 10^差值，不对较细的一方做除法
// pnl = 价差 * size / 标准化后的开仓价
func CalculateUnrealizedPnL(
	entryPrice int64, entryExpo int32,
	currentPrice int64, currentExpo int32,
	size uint64, direction model.Direction,
) (int64, error) {
	entry := decimal.NewFromInt(entryPrice)
	current := decimal.NewFromInt(currentPrice)
	// 放大的是指数较大的一方，而不是指数更负的一方，两者换算后才在同一精度上
	switch {
	case currentExpo > entryExpo:
		current = current.Shift(currentExpo - entryExpo)
	case entryExpo > currentExpo:
		entry = entry.Shift(entryExpo - currentExpo)
	}
	if _, err := toInt64(entry); err != nil {
		return 0, fmt.Errorf("标准化开仓价: %w", model.ErrArithmeticOverflow)
	}
	if _, err := toInt64(current); err != nil {
		return 0, fmt.Errorf("标准化当前价: %w", model.ErrArithmeticOverflow)
	}

	var delta decimal.Decimal
	switch direction {
	case model.DirectionLong:
		delta = current.Sub(entry)
	case model.DirectionShort:
		delta = entry.Sub(current)
	default:
		return 0, model.ErrInvalidDirection
	}

	pnl, err := quoTrunc(delta.Mul(decU(size)), entry)
	if err != nil {
		return 0, fmt.Errorf("开仓价为零: %w", err)
	}
	return toInt64(pnl)
}

// CalculateMarginHealth 计算保证金健康度（0-100）
// equity = margin + pnl，健康度 = equity * 100 / initialMargin，上限100
func CalculateMarginHealth(margin, initialMargin uint64, pnl int64) (uint8, error) {
	equity := decU(margin).Add(decimal.NewFromInt(pnl))
	if equity.IsNegative() {
		return 0, fmt.Errorf("权益 %s 为负: %w", equity, model.ErrArithmeticUnderflow)
	}
	if equity.GreaterThan(decMaxUint64) {
		return 0, fmt.Errorf("权益 %s: %w", equity, model.ErrArithmeticOverflow)
	}

	health, err := quoTrunc(equity.Mul(decHundred), decU(initialMargin))
	if err != nil {
		return 0, fmt.Errorf("初始保证金为零: %w", err)
	}
	if health.GreaterThanOrEqual(decimal.NewFromInt(int64(MaxHealth))) {
		return MaxHealth, nil
	}
	return uint8(health.IntPart()), nil
}

// CalculateTriggerPrices 计算四个减仓档位的触发价格
// 线性近似：亏损比例直接等同于价格变动比例，不按杠杆缩放
func CalculateTriggerPrices(entryPrice int64, direction model.Direction, thresholds [model.TierCount]uint8) ([model.TierCount]int64, error) {
	var triggers [model.TierCount]int64

	entry := decimal.NewFromInt(entryPrice)
	for i, threshold := range thresholds {
		if threshold > 100 {
			return triggers, fmt.Errorf("档位 %d 阈值 %d: %w", i, threshold, model.ErrArithmeticUnderflow)
		}
		moveBps := decimal.NewFromInt(int64(100-threshold) * 100)

		move, err := quoTrunc(entry.Mul(moveBps), decBpsBase)
		if err != nil {
			return triggers, err
		}

		var trigger decimal.Decimal
		switch direction {
		case model.DirectionLong:
			trigger = entry.Sub(move)
		case model.DirectionShort:
			trigger = entry.Add(move)
		default:
			return triggers, model.ErrInvalidDirection
		}

		if triggers[i], err = toInt64(trigger); err != nil {
			return triggers, fmt.Errorf("档位 %d 触发价: %w", i, err)
		}
	}
	return triggers, nil
}

// HasCrossedTrigger 当前价格是否已向不利方向越过触发价
// 多头: current <= trigger；空头: current >= trigger。两边按各自指数精确比较
func HasCrossedTrigger(current oracle.Price, trigger int64, triggerExpo int32, direction model.Direction) bool {
	cur := decimal.New(current.Value, current.Expo)
	trg := decimal.New(trigger, triggerExpo)
	switch direction {
	case model.DirectionLong:
		return cur.LessThanOrEqual(trg)
	case model.DirectionShort:
		return cur.GreaterThanOrEqual(trg)
	}
	return false
}

// CalculateTradingFee 开仓手续费 = 名义价值 * feeBps / 10000
func CalculateTradingFee(notional uint64, feeBps uint16) (uint64, error) {
	return applyBps(notional, feeBps)
}

// CalculateKeeperReward 减仓执行人奖励 = 已平名义价值 * keeperFeeBps / 10000
func CalculateKeeperReward(closedNotional uint64, keeperFeeBps uint16) (uint64, error) {
	return applyBps(closedNotional, keeperFeeBps)
}

// USDCToSettlement 将稳定币金额换算为结算代币金额
func USDCToSettlement(amount int64, settlementPrice uint64) (int64, error) {
	converted, err := quoTrunc(decimal.NewFromInt(amount).Mul(decU(DefaultSettlementPrice)), decU(settlementPrice))
	if err != nil {
		return 0, fmt.Errorf("结算代币价格为零: %w", err)
	}
	return toInt64(converted)
}

// SettlementToUSDC 将结算代币金额换算为稳定币金额
func SettlementToUSDC(amount int64, settlementPrice uint64) (int64, error) {
	converted, err := quoTrunc(decimal.NewFromInt(amount).Mul(decU(settlementPrice)), decU(DefaultSettlementPrice))
	if err != nil {
		return 0, err
	}
	return toInt64(converted)
}

// EvaluateRiskLevel 按健康度和减仓阈值评估风险等级
// 高于第一档阈值为低风险，高于第三档为中风险，其余为高风险
func EvaluateRiskLevel(health uint8, thresholds [model.TierCount]uint8) string {
	if health > thresholds[0] {
		return RiskLevelLow
	} else if health > thresholds[2] {
		return RiskLevelMedium
	}
	return RiskLevelHigh
}

// ApplyPnL 将已实现盈亏计入保证金，结果为负返回 ErrArithmeticUnderflow
func ApplyPnL(margin uint64, pnl int64) (uint64, error) {
	return toUint64(decU(margin).Add(decimal.NewFromInt(pnl)))
}
