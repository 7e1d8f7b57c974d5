package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordDeleverage(t *testing.T) {
	tierBefore := testutil.ToFloat64(DeleverageExecuted.WithLabelValues("3"))
	rewardsBefore := testutil.ToFloat64(KeeperRewards)
	closedBefore := testutil.ToFloat64(PositionsClosed.WithLabelValues(CloseReasonDeleverage))

	RecordDeleverage(3, 1_500_000, true, time.Now())

	assert.Equal(t, tierBefore+1, testutil.ToFloat64(DeleverageExecuted.WithLabelValues("3")))
	assert.Equal(t, rewardsBefore+1_500_000, testutil.ToFloat64(KeeperRewards))
	assert.Equal(t, closedBefore+1, testutil.ToFloat64(PositionsClosed.WithLabelValues(CloseReasonDeleverage)))
}

func TestRecordOpenAndClose(t *testing.T) {
	openBefore := testutil.ToFloat64(PositionsOpened.WithLabelValues("EURUSD", "LONG"))
	closeBefore := testutil.ToFloat64(PositionsClosed.WithLabelValues(CloseReasonManual))

	RecordOpen("EURUSD", "LONG", time.Now())
	RecordClose(time.Now())

	assert.Equal(t, openBefore+1, testutil.ToFloat64(PositionsOpened.WithLabelValues("EURUSD", "LONG")))
	assert.Equal(t, closeBefore+1, testutil.ToFloat64(PositionsClosed.WithLabelValues(CloseReasonManual)))
}

func TestRecordRejections(t *testing.T) {
	RecordRejection("open", "TradingPaused")
	RecordOracleRejection("GBPUSD", "StalePriceData")

	assert.GreaterOrEqual(t, testutil.ToFloat64(TransitionsRejected.WithLabelValues("open", "TradingPaused")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(OracleRejections.WithLabelValues("GBPUSD", "StalePriceData")), 1.0)
}

func TestUpdateScan(t *testing.T) {
	scansBefore := testutil.ToFloat64(KeeperScans.WithLabelValues("timer"))

	UpdateScan("timer", 5, map[string]int{"SAFE": 3, "TIER_0": 2})

	assert.Equal(t, scansBefore+1, testutil.ToFloat64(KeeperScans.WithLabelValues("timer")))
	assert.Equal(t, 5.0, testutil.ToFloat64(OpenPositions))
	assert.Equal(t, 3.0, testutil.ToFloat64(PositionsAtRisk.WithLabelValues("SAFE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(PositionsAtRisk.WithLabelValues("TIER_0")))
}
