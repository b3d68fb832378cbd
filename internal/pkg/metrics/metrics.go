package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters and histograms, partitioned by chain.

var (
	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balance_engine",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total JSON-RPC requests sent to chains",
	}, []string{"chain", "method"})

	RPCErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balance_engine",
		Subsystem: "rpc",
		Name:      "errors_total",
		Help:      "Total failed JSON-RPC requests, after endpoint fallback",
	}, []string{"chain", "method"})

	RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "balance_engine",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "JSON-RPC request duration",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"chain", "method"})

	// Subscriptions
	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "balance_engine",
		Subsystem: "rpc",
		Name:      "active_subscriptions",
		Help:      "Open chain subscriptions",
	}, []string{"chain"})

	// Scheduler
	PollCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balance_engine",
		Subsystem: "scheduler",
		Name:      "poll_cycles_total",
		Help:      "Completed poll cycles",
	}, []string{"module"})

	SubscribedTokens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "balance_engine",
		Subsystem: "scheduler",
		Name:      "subscribed_tokens",
		Help:      "Tokens currently held in the subscription set",
	}, []string{"module"})

	// Query cache
	QueryCacheBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balance_engine",
		Subsystem: "querycache",
		Name:      "builds_total",
		Help:      "State query builds after cache misses",
	}, []string{"module", "chain"})

	QueryCacheInvalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balance_engine",
		Subsystem: "querycache",
		Name:      "invalidations_total",
		Help:      "Chain invalidations after metadata changes",
	}, []string{"module", "chain"})

	// Metadata
	MetadataRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balance_engine",
		Subsystem: "metadata",
		Name:      "refresh_total",
		Help:      "Metadata refreshes by outcome",
	}, []string{"chain", "outcome"})

	// Service
	OpenBalanceSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "balance_engine",
		Subsystem: "service",
		Name:      "balance_subscriptions",
		Help:      "Open caller balance subscriptions",
	})
)

// HTTP
var HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "balance_engine",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Handled REST requests",
}, []string{"route", "status"})
