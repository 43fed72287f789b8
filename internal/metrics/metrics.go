// Package metrics holds the Prometheus collectors of the checkout service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Confirmation triggers.
const (
	TriggerClient  = "client"
	TriggerWebhook = "webhook"
)

// Confirmation outcomes.
const (
	OutcomeTransitioned = "transitioned"
	OutcomeNoop         = "noop"
	OutcomeNotSucceeded = "not_succeeded"
	OutcomeCancelled    = "order_cancelled"
)

type Metrics struct {
	OrdersCreated          prometheus.Counter
	OrderCreationFailures  *prometheus.CounterVec
	OrderTransitions       *prometheus.CounterVec
	PaymentConfirmations   *prometheus.CounterVec
	WebhookRejections      *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec
	HTTPRequests           *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests that only read values want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "orders_created_total",
			Help:      "Orders created from carts.",
		}),
		OrderCreationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "order_creation_failures_total",
			Help:      "Checkouts that did not produce an order, by reason.",
		}, []string{"reason"}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "order_transitions_total",
			Help:      "Order status changes that were written.",
		}, []string{"from", "to"}),
		PaymentConfirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "payment_confirmations_total",
			Help:      "Payment confirmation attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		WebhookRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "webhook_rejections_total",
			Help:      "Webhook deliveries refused before processing.",
		}, []string{"reason"}),
		GatewayRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkout",
			Name:      "gateway_request_duration_seconds",
			Help:      "Latency of payment gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.OrdersCreated,
			m.OrderCreationFailures,
			m.OrderTransitions,
			m.PaymentConfirmations,
			m.WebhookRejections,
			m.GatewayRequestDuration,
			m.HTTPRequests,
			m.HTTPRequestDuration,
		)
	}

	return m
}
