package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/life2you_mini/fxmargin/internal/model"
	"github.com/life2you_mini/fxmargin/internal/monitor"
	"github.com/life2you_mini/fxmargin/internal/oracle"
)

// PriceSource 提供交易对的原始价格记录，校验由 oracle.Reader 完成
type PriceSource interface {
	FetchPriceFeed(ctx context.Context, pair model.FxPair) (*oracle.PriceFeed, error)
}

// Custodian 托管资金划转
type Custodian interface {
	Transfer(ctx context.Context, from, to string, amount uint64) error
}

// Authorizer 调用方权限校验
type Authorizer interface {
	AuthorizeClose(ctx context.Context, caller string, pos *model.Position) error
	AuthorizeAdmin(ctx context.Context, caller string, cfg *model.TradingConfig) error
}

// Journal 结算流水，只追加
type Journal interface {
	Append(ctx context.Context, event *model.SettlementEvent) error
}

// SettlementHistory 结算流水查询
type SettlementHistory interface {
	ListByPosition(ctx context.Context, positionID uint64) ([]*model.SettlementEvent, error)
	ListRecent(ctx context.Context, limit int) ([]*model.SettlementEvent, error)
}

// PriceHistory 价格采样查询
type PriceHistory interface {
	GetPriceHistory(ctx context.Context, pair model.FxPair, start, end time.Time) ([]monitor.PriceSample, error)
}

// OwnerAuthorizer 默认权限：只有持仓所有者能平仓，只有配置管理员能改配置
type OwnerAuthorizer struct{}

// AuthorizeClose 校验平仓调用方
func (OwnerAuthorizer) AuthorizeClose(ctx context.Context, caller string, pos *model.Position) error {
	if caller == "" || caller != pos.Owner {
		return fmt.Errorf("调用方 %q 不是持仓 %d 的所有者: %w", caller, pos.PositionID, model.ErrUnauthorizedClose)
	}
	return nil
}

// AuthorizeAdmin 校验配置管理员
func (OwnerAuthorizer) AuthorizeAdmin(ctx context.Context, caller string, cfg *model.TradingConfig) error {
	if caller == "" || caller != cfg.Authority {
		return fmt.Errorf("调用方 %q: %w", caller, model.ErrInvalidAuthority)
	}
	return nil
}

// nopJournal 未配置流水时使用
type nopJournal struct{}

func (nopJournal) Append(ctx context.Context, event *model.SettlementEvent) error {
	return nil
}
