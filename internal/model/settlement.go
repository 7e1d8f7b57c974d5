package model

import (
	"time"
)

// SettlementEventType 结算事件类型
type SettlementEventType string

const (
	EventOpen       SettlementEventType = "OPEN"
	EventDeleverage SettlementEventType = "DELEVERAGE"
	EventClose      SettlementEventType = "CLOSE"
)

// SettlementEvent 持仓状态转换的结算记录
type SettlementEvent struct {
	ID            string              `json:"id"`
	PositionID    uint64              `json:"position_id"`
	Owner         string              `json:"owner"`
	Type          SettlementEventType `json:"type"`
	Tier          *uint8              `json:"tier,omitempty"` // 仅减仓事件
	Price         int64               `json:"price"`
	PriceExpo     int32               `json:"price_expo"`
	SizeDelta     uint64              `json:"size_delta"` // 开仓为新增规模，减仓/平仓为平掉的规模
	PnL           int64               `json:"pnl"`        // 本次实现的盈亏
	Fee           uint64              `json:"fee"`
	FeeRecipient  string              `json:"fee_recipient,omitempty"`
	MarginAfter   uint64              `json:"margin_after"`
	LeverageAfter uint8               `json:"leverage_after"`
	Timestamp     time.Time           `json:"timestamp"`
}

// Transfer 一次托管资金划转
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
	Reason string `json:"reason"` // DEPOSIT, KEEPER_REWARD, MARGIN_RETURN
}

// 划转原因
const (
	TransferDeposit      = "DEPOSIT"
	TransferKeeperReward = "KEEPER_REWARD"
	TransferMarginReturn = "MARGIN_RETURN"
)
