// Package metrics exposes the Prometheus instrumentation for the connect
// service. All collectors are registered on the default registry via
// promauto; the HTTP layer mounts MetricsHandler on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	flowOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect_flow_outcomes_total",
			Help: "OAuth flow completions by outcome",
		},
		[]string{"outcome"},
	)

	avatarRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect_avatar_requests_total",
			Help: "Avatar cache lookups by result",
		},
		[]string{"result"},
	)

	avatarDownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "connect_avatar_download_duration_seconds",
			Help:    "Remote avatar download duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect_provider_requests_total",
			Help: "Outbound requests to the identity provider by call and status",
		},
		[]string{"call", "status"},
	)
)

// RecordFlowOutcome counts a completed flow step. Outcome is one of
// "login", "link_pending", "registration", "conflict", "rejected" or "error".
func RecordFlowOutcome(outcome string) {
	flowOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordAvatarRequest counts an avatar lookup. Result is one of "hit",
// "miss", "refresh" or "fallback".
func RecordAvatarRequest(result string) {
	avatarRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveAvatarDownload records the wall time of a remote avatar fetch.
func ObserveAvatarDownload(seconds float64) {
	avatarDownloadDuration.Observe(seconds)
}

// RecordProviderRequest counts an outbound call to the identity provider.
func RecordProviderRequest(call, status string) {
	providerRequestsTotal.WithLabelValues(call, status).Inc()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
