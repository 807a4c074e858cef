// Package metrics holds the Prometheus collectors shared by the webhook
// endpoint, the publisher, the reconciler and the Helix client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamhook"

type Metrics struct {
	Registry *prometheus.Registry

	// WebhookRequests counts inbound webhook calls by outcome (challenge,
	// published, ignored, duplicate, revocation, malformed, forbidden,
	// publish_failed).
	WebhookRequests *prometheus.CounterVec
	// EventsPublished counts successful broker publications by kind.
	EventsPublished *prometheus.CounterVec
	// PublishFailures counts failed broker publications by kind.
	PublishFailures *prometheus.CounterVec
	// EnrichmentFailures counts failed live stream lookups for online events.
	EnrichmentFailures prometheus.Counter

	ReconcilePasses *prometheus.CounterVec
	// SubscriptionOps counts subscription management calls by event type,
	// operation and result.
	SubscriptionOps *prometheus.CounterVec
	TokenExchanges  *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Inbound EventSub webhook requests by outcome.",
		}, []string{"outcome"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "events_total",
			Help:      "Stream events acknowledged by the broker.",
		}, []string{"kind"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "failures_total",
			Help:      "Stream events the broker did not acknowledge.",
		}, []string{"kind"}),
		EnrichmentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "enrichment_failures_total",
			Help:      "Live stream lookups that failed while handling stream.online.",
		}),
		ReconcilePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		SubscriptionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "subscription_ops_total",
			Help:      "EventSub subscription create/delete calls.",
		}, []string{"type", "op", "result"}),
		TokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "helix",
			Name:      "token_exchanges_total",
			Help:      "App access token exchanges by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.WebhookRequests,
		m.EventsPublished,
		m.PublishFailures,
		m.EnrichmentFailures,
		m.ReconcilePasses,
		m.SubscriptionOps,
		m.TokenExchanges,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
