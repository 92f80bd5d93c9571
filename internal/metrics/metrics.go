// Package metrics exposes Prometheus collectors for the streaming gateway
// and the credential vault. Tenant ids are never used as labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_streams_total",
			Help: "Total number of completion streams by outcome",
		},
		[]string{"provider", "model", "status"},
	)

	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_stream_duration_seconds",
			Help:    "Completion stream duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "model"},
	)

	TimeToFirstChunk = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_time_to_first_chunk_seconds",
			Help:    "Time from request to first content chunk",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_estimated_tokens_total",
			Help: "Estimated tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_estimated_cost_usd_total",
			Help: "Estimated cost in USD from catalog pricing",
		},
		[]string{"provider", "model"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_active_streams",
			Help: "Number of streams currently open",
		},
		[]string{"provider"},
	)

	ProviderUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_provider_up",
			Help: "Result of the last provider connection test (1=connected)",
		},
		[]string{"provider"},
	)

	CredentialResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_credential_resolutions_total",
			Help: "Credential resolutions by source (cache, tenant, operator, none)",
		},
		[]string{"provider", "source"},
	)

	VaultOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_operations_total",
			Help: "Vault operations by result",
		},
		[]string{"operation", "result"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_rate_limit_hits_total",
			Help: "Total number of denied vault operations",
		},
		[]string{"operation"},
	)

	SuspiciousActivity = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_suspicious_activity_total",
			Help: "Recorded failures by severity",
		},
		[]string{"operation", "severity"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)
)

func RecordStream(provider, model, status string, durationSec float64) {
	StreamsTotal.WithLabelValues(provider, model, status).Inc()
	StreamDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordFirstChunk(provider string, latencySec float64) {
	TimeToFirstChunk.WithLabelValues(provider).Observe(latencySec)
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func IncrementActiveStreams(provider string) {
	ActiveStreams.WithLabelValues(provider).Inc()
}

func DecrementActiveStreams(provider string) {
	ActiveStreams.WithLabelValues(provider).Dec()
}

func SetProviderUp(provider string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	ProviderUp.WithLabelValues(provider).Set(v)
}

func RecordResolution(provider, source string) {
	CredentialResolutions.WithLabelValues(provider, source).Inc()
}

func RecordVaultOperation(operation, result string) {
	VaultOperations.WithLabelValues(operation, result).Inc()
}

func RecordRateLimitHit(operation string) {
	RateLimitHits.WithLabelValues(operation).Inc()
}

func RecordSuspiciousActivity(operation, severity string) {
	SuspiciousActivity.WithLabelValues(operation, severity).Inc()
}

func InitInstanceMetrics(podName, version string) {
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}
