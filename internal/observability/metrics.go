package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/zip-weather-tracker/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight, SSE streams included.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap API call rate by endpoint (weather, forecast) and status.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Forecast cache lookups by result (hit, miss). Hit rate = hit/(hit+miss).
	ForecastCacheLookupsTotal *prometheus.CounterVec

	// Current-conditions fetch outcomes: added, already_tracked, empty, error, discarded, throttled.
	ConditionsFetchTotal *prometheus.CounterVec

	// Number of zips in the location list.
	TrackedLocations prometheus.Gauge

	// Current forecast cache TTL.
	CacheTTLSeconds prometheus.Gauge

	// Rate limit denials. Watch for: clients hammering the API.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per component: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions by from/to state.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Scheduled refresh cycles, their duration and failed cycles.
	RefreshRunsTotal       prometheus.Counter
	RefreshDurationSeconds prometheus.Histogram
	RefreshErrorsTotal     prometheus.Counter

	upstreamGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	ForecastCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastCacheLookupsTotal",
			Help: "Forecast cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)
	ConditionsFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conditionsFetchTotal",
			Help: "Current-conditions fetch attempts by outcome",
		},
		[]string{"outcome"},
	)
	TrackedLocations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackedLocations",
			Help: "Number of zip codes in the location list",
		},
	)
	CacheTTLSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cacheTtlSeconds",
			Help: "Current forecast cache time-to-live in seconds",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	RefreshRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refreshRunsTotal",
			Help: "Scheduled refresh cycles started",
		},
	)
	RefreshDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refreshDurationSeconds",
			Help:    "Duration of a refresh cycle in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	RefreshErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refreshErrorsTotal",
			Help: "Refresh cycles that finished with at least one failed zip",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal,
		ForecastCacheLookupsTotal, ConditionsFetchTotal,
		TrackedLocations, CacheTTLSeconds,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RefreshRunsTotal, RefreshDurationSeconds, RefreshErrorsTotal,
	)
}

// RegisterUpstreamGauges registers sliding-window gauges over upstream fetch outcomes.
// Call from main after config load with the health degraded window.
func RegisterUpstreamGauges(window time.Duration) {
	upstreamGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "upstreamErrorsInWindow",
					Help: "Failed provider fetches in the sliding health window",
				},
				func() float64 {
					errs, _ := traffic.ErrorRate(window)
					return float64(errs)
				},
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "upstreamRequestsInWindow",
					Help: "Provider fetches (success + error) in the sliding health window",
				},
				func() float64 {
					_, total := traffic.ErrorRate(window)
					return float64(total)
				},
			),
		)
	})
}

// CircuitBreakerStateValue maps a breaker state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// RecordCircuitBreakerTransition updates both breaker metrics for a state change.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(CircuitBreakerStateValue(to))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
