// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsAdvancedTotal      *prometheus.CounterVec
	itemsFailedTotal        *prometheus.CounterVec
	stageDurationSeconds    *prometheus.HistogramVec
	fetchAttemptsTotal      *prometheus.CounterVec
	breakerTransitionsTotal *prometheus.CounterVec
	breakerFailOpenTotal    prometheus.Counter
	healingAttemptsTotal    *prometheus.CounterVec
	geocodeLookupsTotal     *prometheus.CounterVec
	llmRequestsTotal        *prometheus.CounterVec
	claimsReclaimedTotal    prometheus.Counter
	activeWorkers           prometheus.Gauge
	rateLimitDelaysSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsAdvancedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_advanced_total",
				Help: "Queue items advanced, labeled by the stage they left.",
			},
			[]string{"stage"},
		)

		itemsFailedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_failed_total",
				Help: "Queue item failures, labeled by stage and failure level.",
			},
			[]string{"stage", "level"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_stage_duration_seconds",
				Help:    "Histogram of per-item stage processing latencies.",
				Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 120},
			},
			[]string{"stage"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_attempts_total",
				Help: "Fetch attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_breaker_transitions_total",
				Help: "Circuit breaker transitions, labeled by the state entered.",
			},
			[]string{"to_state"},
		)

		breakerFailOpenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_breaker_fail_open_total",
				Help: "Requests allowed because the breaker store was unreachable.",
			},
		)

		healingAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_healing_attempts_total",
				Help: "Selector healing attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		geocodeLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_geocode_lookups_total",
				Help: "Geocode resolutions, labeled by tier (registry, cache, external, miss).",
			},
			[]string{"tier"},
		)

		llmRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_llm_requests_total",
				Help: "Text-generation service calls, labeled by caller and outcome.",
			},
			[]string{"caller", "outcome"},
		)

		claimsReclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_claims_reclaimed_total",
				Help: "Abandoned claims returned to the pool by the reclaim sweep.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a claim batch.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of politeness rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdvance increments the advanced-items counter for a stage.
func ObserveAdvance(stage string) {
	itemsAdvancedTotal.WithLabelValues(stage).Inc()
}

// ObserveFailure increments the failed-items counter.
func ObserveFailure(stage, level string) {
	itemsFailedTotal.WithLabelValues(stage, level).Inc()
}

// ObserveStageDuration records how long an item spent in a stage handler.
func ObserveStageDuration(stage string, d time.Duration) {
	stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveFetchAttempt records one strategy attempt.
func ObserveFetchAttempt(strategy, outcome string) {
	fetchAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveBreakerTransition records a circuit state change.
func ObserveBreakerTransition(toState string) {
	breakerTransitionsTotal.WithLabelValues(toState).Inc()
}

// IncBreakerFailOpen counts a fail-open decision caused by a store error.
func IncBreakerFailOpen() {
	breakerFailOpenTotal.Inc()
}

// ObserveHealing records a healing attempt outcome (accepted, rejected, noop).
func ObserveHealing(outcome string) {
	healingAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveGeocode records which tier answered a geocode resolution.
func ObserveGeocode(tier string) {
	geocodeLookupsTotal.WithLabelValues(tier).Inc()
}

// ObserveLLMRequest records a text-generation call outcome.
func ObserveLLMRequest(caller, outcome string) {
	llmRequestsTotal.WithLabelValues(caller, outcome).Inc()
}

// AddReclaimed counts abandoned claims swept back into the pool.
func AddReclaimed(n int) {
	claimsReclaimedTotal.Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
