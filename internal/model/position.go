package model

import (
	"time"
)

// TierCount 自动减仓档位数量
const TierCount = 4

// Position 杠杆外汇持仓
//
// 身份字段在开仓时一次性写入，之后只有减仓和平仓会修改风险字段。
// 金额字段均为结算稳定币的最小单位（6位小数）。
type Position struct {
	Owner          string         `json:"owner"`           // 开仓人
	PositionID     uint64         `json:"position_id"`     // 全局计数器分配的持仓ID
	IsOpen         bool           `json:"is_open"`         // 是否仍在风险管理范围内
	Pair           FxPair         `json:"pair"`            // 交易对
	Direction      Direction      `json:"direction"`       // 持仓方向
	CollateralType StablecoinType `json:"collateral_type"` // 保证金币种

	Leverage        uint8  `json:"leverage"`         // 当前杠杆，只减不增
	InitialLeverage uint8  `json:"initial_leverage"` // 开仓杠杆
	Margin          uint64 `json:"margin"`           // 当前保证金
	InitialMargin   uint64 `json:"initial_margin"`   // 开仓保证金，健康度分母，必须大于0
	Size            uint64 `json:"size"`             // 名义价值，只减不增

	EntryPrice     int64 `json:"entry_price"`      // 开仓价格（整数）
	EntryPriceExpo int32 `json:"entry_price_expo"` // 价格指数，真实价格 = price * 10^expo

	TriggerPrices      [TierCount]int64 `json:"trigger_prices"`      // 各档位触发价格，开仓时计算
	DeleverageExecuted [TierCount]bool  `json:"deleverage_executed"` // 各档位是否已执行，只能由 false 变为 true

	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"` // 最终平仓时间
	FinalPnL *int64     `json:"final_pnl,omitempty"` // 最终盈亏（结算代币单位）

	// Version 每次成功的状态转换加一，存储层用它做乐观并发校验
	Version uint64 `json:"version"`
}

// Clone 深拷贝持仓，状态转换都在副本上计算
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	if p.ClosedAt != nil {
		closedAt := *p.ClosedAt
		cp.ClosedAt = &closedAt
	}
	if p.FinalPnL != nil {
		finalPnL := *p.FinalPnL
		cp.FinalPnL = &finalPnL
	}
	return &cp
}

// TierExecuted 判断档位是否已执行，越界档位视为未执行
func (p *Position) TierExecuted(tier uint8) bool {
	if int(tier) >= TierCount {
		return false
	}
	return p.DeleverageExecuted[tier]
}

// ExecutedTiers 返回已执行的档位数
func (p *Position) ExecutedTiers() int {
	n := 0
	for _, executed := range p.DeleverageExecuted {
		if executed {
			n++
		}
	}
	return n
}

// MarkClosed 记录最终平仓，平仓字段只写一次
func (p *Position) MarkClosed(at time.Time, finalPnL *int64) {
	p.IsOpen = false
	if p.ClosedAt == nil {
		closedAt := at
		p.ClosedAt = &closedAt
	}
	if p.FinalPnL == nil && finalPnL != nil {
		pnl := *finalPnL
		p.FinalPnL = &pnl
	}
}
