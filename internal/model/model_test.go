package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFxPair(t *testing.T) {
	pair, err := ParseFxPair(10)
	require.NoError(t, err)
	assert.Equal(t, AUDJPY, pair)
	assert.Equal(t, "audjpy", pair.ID())

	_, err = ParseFxPair(11)
	assert.ErrorIs(t, err, ErrInvalidPair)
	assert.Equal(t, "FxPair(11)", FxPair(11).String())
	assert.Len(t, AllFxPairs(), 11)
}

func TestParseFxPairSymbol(t *testing.T) {
	tests := []struct {
		symbol  string
		want    FxPair
		wantErr bool
	}{
		{"EURUSD", EURUSD, false},
		{"eur/usd", EURUSD, false},
		{"GBP/JPY", GBPJPY, false},
		{"BTCUSD", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			got, err := ParseFxPairSymbol(tt.symbol)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPair)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDirectionAndCollateral(t *testing.T) {
	d, err := ParseDirection(1)
	require.NoError(t, err)
	assert.Equal(t, "SHORT", d.String())
	_, err = ParseDirection(2)
	assert.ErrorIs(t, err, ErrInvalidDirection)

	c, err := ParseStablecoinType(1)
	require.NoError(t, err)
	assert.Equal(t, "USD1", c.String())
	_, err = ParseStablecoinType(2)
	assert.ErrorIs(t, err, ErrInvalidCollateral)
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("持仓 7: %w", ErrStalePriceData)
	assert.Equal(t, CategoryOracle, CategoryOf(wrapped))
	assert.Equal(t, "StalePriceData", CodeOf(wrapped))
	assert.Equal(t, "oracle", CategoryOf(wrapped).String())

	plain := errors.New("redis down")
	assert.Equal(t, CategoryUnknown, CategoryOf(plain))
	assert.Equal(t, "Unknown", CodeOf(plain))
}

func TestPositionCloneAndMarkClosed(t *testing.T) {
	pos := &Position{PositionID: 3, IsOpen: true, Size: 100}
	pos.DeleverageExecuted[0] = true
	pos.DeleverageExecuted[3] = true

	assert.Equal(t, 2, pos.ExecutedTiers())
	assert.True(t, pos.TierExecuted(0))
	assert.False(t, pos.TierExecuted(1))
	assert.False(t, pos.TierExecuted(9))

	closedAt := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	pnl := int64(-500)
	pos.MarkClosed(closedAt, &pnl)

	cp := pos.Clone()
	require.NotNil(t, cp.FinalPnL)
	*cp.FinalPnL = 1
	assert.Equal(t, int64(-500), *pos.FinalPnL)

	// 平仓字段只写一次
	later := closedAt.Add(time.Hour)
	other := int64(42)
	pos.MarkClosed(later, &other)
	assert.False(t, pos.IsOpen)
	assert.True(t, pos.ClosedAt.Equal(closedAt))
	assert.Equal(t, int64(-500), *pos.FinalPnL)
}

func TestTradingConfig(t *testing.T) {
	cfg := NewTradingConfig("admin", "vault", "treasury", "oracle")
	require.NoError(t, cfg.Validate())

	id, err := cfg.NextPositionID()
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Equal(t, uint64(1), cfg.PositionCounter)

	cfg.PositionCounter = ^uint64(0)
	_, err = cfg.NextPositionID()
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	bad := cfg.Clone()
	bad.MaxLeverage = 1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidLeverage)

	bad = cfg.Clone()
	bad.DeleverageThresholds = [TierCount]uint8{50, 50, 25, 15}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidDeleverageTier)
}
