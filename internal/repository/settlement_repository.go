package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/life2you_mini/fxmargin/internal/model"
)

// 金额为 u64，超出 BIGINT 范围，使用 NUMERIC(20,0) 存储
const settlementSchema = `
CREATE TABLE IF NOT EXISTS settlement_events (
	id             TEXT PRIMARY KEY,
	position_id    NUMERIC(20,0) NOT NULL,
	owner          TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	tier           SMALLINT,
	price          BIGINT NOT NULL,
	price_expo     INTEGER NOT NULL,
	size_delta     NUMERIC(20,0) NOT NULL,
	pnl            BIGINT NOT NULL,
	fee            NUMERIC(20,0) NOT NULL,
	fee_recipient  TEXT NOT NULL DEFAULT '',
	margin_after   NUMERIC(20,0) NOT NULL,
	leverage_after SMALLINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlement_events_position ON settlement_events (position_id, created_at);`

const settlementColumns = `id, position_id, owner, event_type, tier, price, price_expo, size_delta, pnl, fee, fee_recipient, margin_after, leverage_after, created_at`

// SettlementRepository 结算流水，只追加不修改
type SettlementRepository struct {
	db *sql.DB
}

// NewSettlementRepository 创建结算流水仓库
func NewSettlementRepository(db *sql.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// Migrate 创建表和索引
func (r *SettlementRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, settlementSchema); err != nil {
		return fmt.Errorf("创建结算流水表失败: %w", err)
	}
	return nil
}

// Append 追加一条结算事件
func (r *SettlementRepository) Append(ctx context.Context, event *model.SettlementEvent) error {
	query := `
		INSERT INTO settlement_events (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	var tier sql.NullInt16
	if event.Tier != nil {
		tier = sql.NullInt16{Int16: int16(*event.Tier), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		decimal.NewFromUint64(event.PositionID),
		event.Owner,
		string(event.Type),
		tier,
		event.Price,
		event.PriceExpo,
		decimal.NewFromUint64(event.SizeDelta),
		event.PnL,
		decimal.NewFromUint64(event.Fee),
		event.FeeRecipient,
		decimal.NewFromUint64(event.MarginAfter),
		int16(event.LeverageAfter),
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("写入结算事件失败: %w", err)
	}
	return nil
}

// ListByPosition 按时间顺序返回持仓的全部结算事件
func (r *SettlementRepository) ListByPosition(ctx context.Context, positionID uint64) ([]*model.SettlementEvent, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlement_events
		WHERE position_id = $1
		ORDER BY created_at ASC`

	return r.query(ctx, query, decimal.NewFromUint64(positionID))
}

// ListRecent 返回最近的结算事件
func (r *SettlementRepository) ListRecent(ctx context.Context, limit int) ([]*model.SettlementEvent, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlement_events
		ORDER BY created_at DESC
		LIMIT $1`

	return r.query(ctx, query, limit)
}

func (r *SettlementRepository) query(ctx context.Context, query string, args ...interface{}) ([]*model.SettlementEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询结算事件失败: %w", err)
	}
	defer rows.Close()

	var events []*model.SettlementEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("读取结算事件失败: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*model.SettlementEvent, error) {
	var (
		event                                   model.SettlementEvent
		eventType                               string
		tier                                    sql.NullInt16
		leverage                                int16
		positionID, sizeDelta, fee, marginAfter decimal.Decimal
	)
	err := rows.Scan(
		&event.ID,
		&positionID,
		&event.Owner,
		&eventType,
		&tier,
		&event.Price,
		&event.PriceExpo,
		&sizeDelta,
		&event.PnL,
		&fee,
		&event.FeeRecipient,
		&marginAfter,
		&leverage,
		&event.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("解析结算事件失败: %w", err)
	}

	event.Type = model.SettlementEventType(eventType)
	event.LeverageAfter = uint8(leverage)
	if tier.Valid {
		t := uint8(tier.Int16)
		event.Tier = &t
	}
	for _, f := range []struct {
		dst *uint64
		src decimal.Decimal
	}{
		{&event.PositionID, positionID},
		{&event.SizeDelta, sizeDelta},
		{&event.Fee, fee},
		{&event.MarginAfter, marginAfter},
	} {
		v, err := toUint64(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return &event, nil
}

func toUint64(d decimal.Decimal) (uint64, error) {
	bi := d.BigInt()
	if d.IsNegative() || !bi.IsUint64() {
		return 0, fmt.Errorf("数值 %s 超出 u64 范围: %w", d, model.ErrArithmeticOverflow)
	}
	return bi.Uint64(), nil
}
