package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// callbacksTotal counts gateway callbacks by reconciliation outcome.
	// Labels: outcome (completed, failed, pending, already_processed, unknown_reference, rejected)
	callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kijumbe",
		Subsystem: "reconciliation",
		Name:      "callbacks_total",
		Help:      "Gateway callbacks processed by outcome",
	}, []string{"outcome"})

	// contributionRequests counts contribution requests by result.
	// Labels: result (initiated, gateway_unavailable, invalid_phone, rejected, error)
	contributionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kijumbe",
		Subsystem: "ledger",
		Name:      "contribution_requests_total",
		Help:      "Contribution requests by result",
	}, []string{"result"})

	gatewayChargeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kijumbe",
		Subsystem: "gateway",
		Name:      "charge_latency_seconds",
		Help:      "Latency of charge initiation calls to the payment gateway",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
	})

	rotationsAdvanced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kijumbe",
		Subsystem: "rotation",
		Name:      "advanced_total",
		Help:      "Rotations advanced with a payout issued",
	})

	// overdraftTransitions counts overdraft lifecycle changes.
	// Labels: status (the status moved into)
	overdraftTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kijumbe",
		Subsystem: "overdraft",
		Name:      "transitions_total",
		Help:      "Overdraft status transitions",
	}, []string{"status"})

	// integrityViolations counts data integrity errors surfaced to callers.
	integrityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kijumbe",
		Subsystem: "ledger",
		Name:      "integrity_violations_total",
		Help:      "Data integrity violations detected",
	})
)
