package trading

import (
	"time"

	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/oracle"
)

// OpenRequest 开仓请求，枚举字段使用原始编码，由引擎校验
type OpenRequest struct {
	Owner      string `json:"owner"`
	Pair       uint8  `json:"pair"`
	Direction  uint8  `json:"direction"`
	Collateral uint8  `json:"collateral"`
	Margin     uint64 `json:"margin"`   // 保证金（6位小数）
	Leverage   uint8  `json:"leverage"` // 杠杆倍数
}

// CloseRequest 手动平仓请求
type CloseRequest struct {
	PositionID uint64 `json:"position_id"`
	Caller     string `json:"caller"`
}

// DeleverageRequest 减仓请求，任何人都可以提交
type DeleverageRequest struct {
	PositionID uint64 `json:"position_id"`
	Tier       uint8  `json:"tier"`
	Keeper     string `json:"keeper"` // 奖励接收方
}

// ConfigUpdate 管理员配置更新，nil 字段保持不变
type ConfigUpdate struct {
	TradingFeeBps *uint16 `json:"trading_fee_bps,omitempty"`
	KeeperFeeBps  *uint16 `json:"keeper_fee_bps,omitempty"`
	MaxLeverage   *uint8  `json:"max_leverage,omitempty"`
	MinLeverage   *uint8  `json:"min_leverage,omitempty"`
	IsPaused      *bool   `json:"is_paused,omitempty"`
}

// OpenResult 开仓结果
type OpenResult struct {
	Position   *model.Position `json:"position"`
	TradingFee uint64          `json:"trading_fee"`
	Price      oracle.Price    `json:"price"`
}

// CloseResult 平仓结果
type CloseResult struct {
	Position      *model.Position `json:"position"`
	Price         oracle.Price    `json:"price"`
	UnrealizedPnL int64           `json:"unrealized_pnl"` // 剩余规模的最终盈亏（USDC单位）
	FinalEquity   uint64          `json:"final_equity"`
	MarginReturn  uint64          `json:"margin_return"` // 退回给所有者的金额
}

// DeleverageOutcome 减仓结果
type DeleverageOutcome struct {
	Position     *model.Position `json:"position"`
	Price        oracle.Price    `json:"price"`
	Tier         uint8           `json:"tier"`
	MarginHealth uint8           `json:"margin_health"`
	CloseSize    uint64          `json:"close_size"`
	ClosedPnL    int64           `json:"closed_pnl"`
	KeeperReward uint64          `json:"keeper_reward"`
	FullyClosed  bool            `json:"fully_closed"`
}

// 请求类型
const (
	ActionOpen       = "OPEN"
	ActionClose      = "CLOSE"
	ActionDeleverage = "DELEVERAGE"

	ActionListPositions     = "LIST_POSITIONS"
	ActionSettlementHistory = "SETTLEMENT_HISTORY"
	ActionPriceHistory      = "PRICE_HISTORY"
)

// 未指定数量时返回的最近结算事件数
const defaultHistoryLimit = 50

// QueryRequest 只读查询参数
type QueryRequest struct {
	Owner      string    `json:"owner,omitempty"`
	PositionID *uint64   `json:"position_id,omitempty"` // 为空时返回最近的结算事件
	Limit      int       `json:"limit,omitempty"`
	Pair       uint8     `json:"pair"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// PositionView 持仓查询结果，附带6位小数的开仓价和稳定币单位的最终盈亏
type PositionView struct {
	*model.Position
	DisplayEntryPrice int64  `json:"display_entry_price"`
	FinalPnLUSDC      *int64 `json:"final_pnl_usdc,omitempty"`
}

// Request 队列中的请求信封，Action 决定使用哪个字段
type Request struct {
	ID         string             `json:"id"`
	Action     string             `json:"action"`
	Open       *OpenRequest       `json:"open,omitempty"`
	Close      *CloseRequest      `json:"close,omitempty"`
	Deleverage *DeleverageRequest `json:"deleverage,omitempty"`
	Query      *QueryRequest      `json:"query,omitempty"`
}
