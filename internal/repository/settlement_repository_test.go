package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life2you_mini/fxmargin/internal/model"
)

var eventColumns = []string{
	"id", "position_id", "owner", "event_type", "tier", "price", "price_expo",
	"size_delta", "pnl", "fee", "fee_recipient", "margin_after", "leverage_after", "created_at",
}

func newMockRepo(t *testing.T) (*SettlementRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSettlementRepository(db), mock
}

func TestSettlementRepository_Migrate(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS settlement_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepository_Append(t *testing.T) {
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tier := uint8(3)

	tests := []struct {
		name        string
		event       *model.SettlementEvent
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "开仓事件",
			event: &model.SettlementEvent{
				ID:            "evt-1",
				PositionID:    7,
				Owner:         "alice",
				Type:          model.EventOpen,
				Price:         105_000_000,
				PriceExpo:     -8,
				SizeDelta:     10_000_000_000,
				Fee:           8_000_000,
				FeeRecipient:  "vault",
				MarginAfter:   1_000_000_000,
				LeverageAfter: 10,
				Timestamp:     at,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO settlement_events`).
					WithArgs("evt-1", "7", "alice", "OPEN", nil, int64(105_000_000), int64(-8),
						"10000000000", int64(0), "8000000", "vault", "1000000000", int64(10), at).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "减仓事件带档位",
			event: &model.SettlementEvent{
				ID:            "evt-2",
				PositionID:    ^uint64(0),
				Owner:         "alice",
				Type:          model.EventDeleverage,
				Tier:          &tier,
				Price:         52_500_000,
				PriceExpo:     -8,
				SizeDelta:     1_000_000_000,
				PnL:           -500_000_000,
				Fee:           500_000,
				FeeRecipient:  "bob",
				LeverageAfter: 0,
				Timestamp:     at,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO settlement_events`).
					WithArgs("evt-2", "18446744073709551615", "alice", "DELEVERAGE", int64(3), int64(52_500_000), int64(-8),
						"1000000000", int64(-500_000_000), "500000", "bob", "0", int64(0), at).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name:  "数据库错误",
			event: &model.SettlementEvent{ID: "evt-3", Type: model.EventClose, Timestamp: at},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO settlement_events`).
					WillReturnError(errors.New("pq: duplicate key value"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			tt.mockSetup(mock)

			err := repo.Append(context.Background(), tt.event)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSettlementRepository_ListByPosition(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(eventColumns).
		AddRow("evt-1", "7", "alice", "OPEN", nil, int64(105_000_000), int64(-8), "2000000000", int64(0), "1600000", "vault", "1000000000", int64(2), at).
		AddRow("evt-2", "7", "alice", "DELEVERAGE", int64(0), int64(52_500_000), int64(-8), "1000000000", int64(-500_000_000), "500000", "bob", "500000000", int64(1), at.Add(time.Hour))
	mock.ExpectQuery(`SELECT (.+) FROM settlement_events WHERE position_id = \$1`).
		WithArgs("7").
		WillReturnRows(rows)

	events, err := repo.ListByPosition(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, model.EventOpen, events[0].Type)
	assert.Nil(t, events[0].Tier)
	assert.Equal(t, uint64(2_000_000_000), events[0].SizeDelta)
	assert.Equal(t, uint64(1_600_000), events[0].Fee)
	assert.Equal(t, uint8(2), events[0].LeverageAfter)

	assert.Equal(t, model.EventDeleverage, events[1].Type)
	require.NotNil(t, events[1].Tier)
	assert.Equal(t, uint8(0), *events[1].Tier)
	assert.Equal(t, uint64(7), events[1].PositionID)
	assert.Equal(t, int64(-500_000_000), events[1].PnL)
	assert.Equal(t, int32(-8), events[1].PriceExpo)
	assert.Equal(t, uint64(500_000_000), events[1].MarginAfter)
	assert.Equal(t, at.Add(time.Hour), events[1].Timestamp)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepository_ListRecent(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT (.+) FROM settlement_events ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(eventColumns))

	events, err := repo.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// 负数金额视为数据损坏
	mock.ExpectQuery(`SELECT (.+) FROM settlement_events`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("evt-1", "7", "alice", "OPEN", nil, int64(1), int64(-8), "-1", int64(0), "0", "", "0", int64(2), time.Now()))
	_, err = repo.ListRecent(context.Background(), 1)
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)

	mock.ExpectQuery(`SELECT (.+) FROM settlement_events`).
		WillReturnError(errors.New("pq: relation does not exist"))
	_, err = repo.ListRecent(context.Background(), 1)
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
