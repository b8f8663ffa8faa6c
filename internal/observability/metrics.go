package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Mining engine metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mining_sessions_active",
			Help: "Number of live mining sessions in the store",
		},
	)

	AccrualTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mining_accrual_tick_duration_seconds",
			Help:    "Wall time of one full accrual pass over all sessions",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	AccrualFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mining_accrual_failures_total",
			Help: "Per-session accrual failures by kind",
		},
		[]string{"kind"},
	)

	SessionsQuarantined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mining_sessions_quarantined_total",
			Help: "Sessions excluded from automatic processing",
		},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mining_settlements_total",
			Help: "Settlement outcomes by reason and result",
		},
		[]string{"reason", "result"},
	)

	SettlementRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mining_settlement_retries_total",
			Help: "Ledger commit retry attempts",
		},
	)

	LedgerCommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mining_ledger_commit_duration_seconds",
			Help:    "External ledger commit latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	BoostsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mining_boosts_applied_total",
			Help: "Boosts applied to sessions by category",
		},
		[]string{"category"},
	)

	BoostsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mining_boosts_expired_total",
			Help: "Boosts removed by the expiry sweep",
		},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mining_notifications_dropped_total",
			Help: "Best-effort pushes dropped because a subscriber was slow or absent",
		},
	)

	// Subscriber metrics
	SubscriberConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mining_subscriber_connections_active",
			Help: "Number of active WebSocket subscriber connections",
		},
	)
)
