package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "fxmargin"

	subsystemEngine = "engine"
	subsystemKeeper = "keeper"
)

// 持仓关闭原因
const (
	CloseReasonManual     = "manual"
	CloseReasonDeleverage = "deleverage"
)

// ============ 状态转换 ============

// PositionsOpened 开仓次数
var PositionsOpened = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemEngine,
		Name:      "positions_opened_total",
		Help:      "Total number of opened positions",
	},
	[]string{"pair", "direction"},
)

// DeleverageExecuted 各档位减仓执行次数
var DeleverageExecuted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemEngine,
		Name:      "deleverage_executed_total",
		Help:      "Total number of executed deleverage tiers",
	},
	[]string{"tier"},
)

// PositionsClosed 平仓次数
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemEngine,
		Name:      "positions_closed_total",
		Help:      "Total number of closed positions",
	},
	[]string{"reason"},
)

// TransitionsRejected 被拒绝的状态转换，按错误编码
var TransitionsRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemEngine,
		Name:      "transitions_rejected_total",
		Help:      "Total number of rejected state transitions",
	},
	[]string{"op", "code"},
)

// OracleRejections 价格校验失败次数
var OracleRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemEngine,
		Name:      "oracle_rejections_total",
		Help:      "Total number of rejected oracle price reads",
	},
	[]string{"pair", "code"},
)

// TransitionDuration 状态转换耗时
var TransitionDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemEngine,
		Name:      "transition_duration_ms",
		Help:      "State transition latency in milliseconds",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	},
	[]string{"op"},
)

// ============ Keeper ============

// KeeperRewards 已支付的执行人奖励（结算币最小单位）
var KeeperRewards = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemKeeper,
		Name:      "rewards_paid_total",
		Help:      "Total keeper rewards paid in settlement base units",
	},
)

// KeeperScans 扫描轮次
var KeeperScans = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemKeeper,
		Name:      "scans_total",
		Help:      "Total number of keeper scans",
	},
	[]string{"trigger"},
)

// OpenPositions 最近一次扫描的开放持仓数
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemKeeper,
		Name:      "open_positions",
		Help:      "Number of open positions seen by the last scan",
	},
)

// PositionsAtRisk 最近一次扫描中各风险等级的持仓数
var PositionsAtRisk = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemKeeper,
		Name:      "positions_at_risk",
		Help:      "Number of open positions per risk level in the last scan",
	},
	[]string{"level"},
)

// RecordOpen 记录开仓
func RecordOpen(pair, direction string, started time.Time) {
	PositionsOpened.WithLabelValues(pair, direction).Inc()
	observe("open", started)
}

// RecordDeleverage 记录减仓
func RecordDeleverage(tier uint8, reward uint64, fullyClosed bool, started time.Time) {
	DeleverageExecuted.WithLabelValues(strconv.Itoa(int(tier))).Inc()
	KeeperRewards.Add(float64(reward))
	if fullyClosed {
		PositionsClosed.WithLabelValues(CloseReasonDeleverage).Inc()
	}
	observe("deleverage", started)
}

// RecordClose 记录手动平仓
func RecordClose(started time.Time) {
	PositionsClosed.WithLabelValues(CloseReasonManual).Inc()
	observe("close", started)
}

// RecordRejection 记录被拒绝的状态转换
func RecordRejection(op, code string) {
	TransitionsRejected.WithLabelValues(op, code).Inc()
}

// RecordOracleRejection 记录价格校验失败
func RecordOracleRejection(pair, code string) {
	OracleRejections.WithLabelValues(pair, code).Inc()
}

// UpdateScan 更新扫描结果
func UpdateScan(trigger string, open int, byLevel map[string]int) {
	KeeperScans.WithLabelValues(trigger).Inc()
	OpenPositions.Set(float64(open))
	for level, n := range byLevel {
		PositionsAtRisk.WithLabelValues(level).Set(float64(n))
	}
}

func observe(op string, started time.Time) {
	TransitionDuration.WithLabelValues(op).Observe(float64(time.Since(started).Microseconds()) / 1000)
}
