package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutRunsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_runs_started_total",
		Help: "Total number of checkout batch runs created",
	})

	CheckoutBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_batches_total",
		Help: "Total number of batches that reached the end of their groups, by outcome",
	}, []string{"outcome"})

	SellerGroupPaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seller_group_payments_total",
		Help: "Seller group payment attempts by outcome",
	}, []string{"outcome"})

	SellerGroupRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seller_group_retries_total",
		Help: "Total number of explicit seller group retries",
	})

	GatewayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_transaction_latency_seconds",
		Help:    "Time from transaction init to its terminal callback",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	})

	GatewayBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_breaker_state",
		Help: "Circuit breaker state of the payment gateway (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	OrdersCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_committed_total",
		Help: "Total number of orders committed with their ledger entry",
	})

	ReconciliationAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_alerts_total",
		Help: "Charges that succeeded without a recorded order",
	})

	LookupFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_lookup_failures_total",
		Help: "Seller or product metadata lookups that degraded to defaults",
	}, []string{"lookup"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Seller notifications by result",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
