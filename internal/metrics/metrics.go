// Package metrics holds the Prometheus collectors of the settlement-service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operations counts every pool operation by name and outcome ("ok" or the error kind).
var Operations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "commitpool",
	Subsystem: "pools",
	Name:      "operations_total",
	Help:      "Pool operations by name and outcome.",
}, []string{"operation", "outcome"})

// PayoutsReleased counts payouts that received their paid marker.
var PayoutsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "commitpool",
	Subsystem: "settlement",
	Name:      "payouts_released_total",
	Help:      "Payouts released from escrow by kind and executor.",
}, []string{"kind", "executor"})

// PayoutAmount sums released payout amounts in minor units.
var PayoutAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "commitpool",
	Subsystem: "settlement",
	Name:      "payout_amount_total",
	Help:      "Minor units released from escrow by payout kind.",
}, []string{"kind"})

// PayoutFailures counts failed release attempts. failure is "rejected" when the executor refused
// the payout outright and "transient" when a later settle may succeed.
var PayoutFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "commitpool",
	Subsystem: "settlement",
	Name:      "payout_failures_total",
	Help:      "Failed payout releases by kind, executor and failure class.",
}, []string{"kind", "executor", "failure"})

// SettlementDuration observes one settle invocation, complete or partial.
var SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "commitpool",
	Subsystem: "settlement",
	Name:      "duration_seconds",
	Help:      "Duration of settle invocations.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"outcome"})

// SweepPools counts pools processed by the scheduled sweeps.
var SweepPools = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "commitpool",
	Subsystem: "sweeper",
	Name:      "pools_total",
	Help:      "Pools visited by the close and settle sweeps.",
}, []string{"sweep", "outcome"})

// JoinsRateLimited counts join attempts rejected by the limiter.
var JoinsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "commitpool",
	Subsystem: "pools",
	Name:      "joins_rate_limited_total",
	Help:      "Join attempts rejected by the per-wallet rate limiter.",
})

// OpenPools tracks Pending and Active pools. It is seeded from storage at startup and then moved
// by this process's creates and closes.
var OpenPools = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "commitpool",
	Subsystem: "pools",
	Name:      "open",
	Help:      "Pools accepting joins or running their challenge.",
})
