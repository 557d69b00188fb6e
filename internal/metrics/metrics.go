// Package metrics exposes the prometheus counters/gauges for the
// value-movement pipeline, grouped the way the teacher's
// internal/metrics/metrics.go groups its own (a comment banner per
// subsystem, promauto registration at package init).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Deposit indexer
	// ============================================
	// The four deposit metrics below are registered, but no code in the
	// repository increments or observes them, so they stay at zero.
	DepositsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_deposits_admitted_total",
			Help: "Deposits admitted into the pending queue",
		},
		[]string{"chain", "currency"},
	)

	DepositsCredited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_deposits_credited_total",
			Help: "Deposits that reached the credited terminal state",
		},
		[]string{"chain", "currency"},
	)

	DepositsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_deposits_failed_total",
			Help: "Deposits that reached the failed terminal state",
		},
		[]string{"chain", "currency", "reason"},
	)

	DepositConfirmationLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_deposit_confirmation_seconds",
			Help:    "Time from admission to confirmed state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "currency"},
	)

	// ============================================
	// Withdrawal batcher
	// ============================================
	WithdrawalsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_withdrawals_created_total",
			Help: "Withdrawal requests accepted",
		},
		[]string{"chain", "currency"},
	)

	WithdrawalsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_withdrawals_settled_total",
			Help: "Withdrawals that reached completed",
		},
		[]string{"chain", "currency"},
	)

	WithdrawalsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_withdrawals_failed_total",
			Help: "Withdrawals that reached failed",
		},
		[]string{"chain", "currency", "reason"},
	)

	BucketSettlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_bucket_settlement_seconds",
			Help:    "Wall-clock time to settle one bucket, precheck through receipt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "currency"},
	)

	// ============================================
	// Chain adapter
	// ============================================
	ChainReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_chain_reconnects_total",
			Help: "Push-transport reconnect attempts",
		},
		[]string{"chain"},
	)

	ChainPollingFallbackActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wallet_chain_polling_fallback_active",
			Help: "1 when a chain's block stream is synthesized via polling",
		},
		[]string{"chain"},
	)

	// ============================================
	// Ledger
	// ============================================
	LedgerInvariantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_ledger_invariant_violations_total",
			Help: "Times an operation was rejected to preserve a ledger invariant",
		},
		[]string{"operation"},
	)

	LedgerOverUnfreeze = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_ledger_over_unfreeze_total",
			Help: "Times unfreeze was asked to release more than was frozen",
		},
		[]string{"chain", "currency"},
	)
)
