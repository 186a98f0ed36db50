package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subs_relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "subs_relay_http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)

	// Ledger
	SubscriptionActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subs_relay_subscription_actions_total",
			Help: "Accepted subscription lifecycle actions",
		},
		[]string{"action"},
	)
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subs_relay_executions_total",
			Help: "Installment execution attempts by outcome",
		},
		[]string{"outcome"},
	)
	RejectedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subs_relay_rejected_requests_total",
			Help: "Requests rejected before any state change",
		},
		[]string{"operation"},
	)

	// Registry
	RelayerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subs_relay_relayer_events_total",
			Help: "Registry state changes by kind",
		},
		[]string{"kind"},
	)
	ActiveRelayers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subs_relay_active_relayers",
			Help: "Number of active bonded relayers",
		},
	)

	// Event delivery to the indexing layer
	EventPublishFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subs_relay_event_publish_failures_total",
			Help: "Events that could not be published after commit",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)

	prometheus.MustRegister(SubscriptionActionsTotal)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(RejectedRequestsTotal)

	prometheus.MustRegister(RelayerEventsTotal)
	prometheus.MustRegister(ActiveRelayers)

	prometheus.MustRegister(EventPublishFailuresTotal)
}
