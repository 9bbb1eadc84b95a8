package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesInitiatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_initiated_total",
		Help: "Total number of purchase attempts initiated",
	})

	PurchasesSucceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_succeeded_total",
		Help: "Total number of purchases settled as succeeded",
	})

	PurchasesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_failed_total",
		Help: "Total number of purchases settled as failed",
	}, []string{"reason"})

	PurchasesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_expired_total",
		Help: "Total number of purchases expired by the sweep",
	})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_failed_total",
		Help: "Total number of failed capacity reservations",
	}, []string{"reason"})

	AmountMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amount_mismatch_total",
		Help: "Gateway-reported amounts that did not match the ledger",
	})

	WebhookAuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_auth_failures_total",
		Help: "Webhook deliveries rejected for bad signatures",
	})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Authenticated webhook events by kind",
	}, []string{"event"})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of outbound payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Outbound gateway call failures",
	}, []string{"operation", "kind"})

	FulfillmentsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillments_published_total",
		Help: "Fulfillment events published to the broker",
	})

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
