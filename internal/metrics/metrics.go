// Package metrics exposes Prometheus collectors for the execution pipeline.
// Collectors are package-level and self-registering; the api package serves
// them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bridge counters

var PatternBatchesReceived = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "bridge",
		Name:      "pattern_batches_total",
		Help:      "Total pattern batches received from the detection feed",
	},
)

var TargetsCreated = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "bridge",
		Name:      "targets_created_total",
		Help:      "Total execution targets created from pattern matches",
	},
)

// Scheduler counters

var TargetsCompleted = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "scheduler",
		Name:      "targets_completed_total",
		Help:      "Total targets executed successfully",
	},
)

var TargetsFailed = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "scheduler",
		Name:      "targets_failed_total",
		Help:      "Total targets that reached the terminal failed status",
	},
)

var TargetsRetried = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "scheduler",
		Name:      "targets_retried_total",
		Help:      "Total transient failures requeued with backoff",
	},
)

var TargetsRiskRejected = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "scheduler",
		Name:      "targets_risk_rejected_total",
		Help:      "Total targets rejected by the risk engine",
	},
)

var TargetsExpired = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sniper",
		Subsystem: "scheduler",
		Name:      "targets_expired_total",
		Help:      "Total targets failed because their expiry passed",
	},
)

// ExchangeCallDuration tracks outbound exchange call latency per call class
var ExchangeCallDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sniper",
		Subsystem: "exchange",
		Name:      "call_duration_seconds",
		Help:      "Latency of outbound exchange calls",
		Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5, 10},
	},
	[]string{"call_class"},
)

// CircuitState reports breaker state per call class
// (0 = closed, 1 = half_open, 2 = open)
var CircuitState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "sniper",
		Subsystem: "circuit",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per call class (0 closed, 1 half_open, 2 open)",
	},
	[]string{"call_class"},
)

// SafetyLevel reports the aggregated safety verdict
// (0 = safe, 1 = warning, 2 = critical, 3 = emergency)
var SafetyLevel = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sniper",
		Subsystem: "safety",
		Name:      "overall_level",
		Help:      "Aggregated safety level (0 safe, 1 warning, 2 critical, 3 emergency)",
	},
)

// RiskOverallScore reports the portfolio risk score (0-100)
var RiskOverallScore = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sniper",
		Subsystem: "risk",
		Name:      "overall_score",
		Help:      "Portfolio risk score (0-100) as last evaluated by the safety coordinator",
	},
)

// TradingHalted reports whether new claims are suppressed
var TradingHalted = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sniper",
		Subsystem: "safety",
		Name:      "trading_halted",
		Help:      "Whether trading is halted (1 halted, 0 trading)",
	},
)
