package telemetry

import "github.com/prometheus/client_golang/prometheus"

// CacheHitsTotal counts response-cache hits, labeled by endpoint.
var CacheHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total number of response cache hits.",
	},
	[]string{"endpoint"},
)

// CacheMissesTotal counts response-cache misses, labeled by endpoint.
var CacheMissesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total number of response cache misses.",
	},
	[]string{"endpoint"},
)

// APICallsTotal counts upstream calls, labeled by endpoint and outcome status.
var APICallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Name:      "api_calls_total",
		Help:      "Total number of upstream aviationstack API calls.",
	},
	[]string{"endpoint", "status"},
)

// CoalescedRequestsTotal counts requests that joined an in-flight leader
// rather than issuing their own upstream call, labeled by endpoint.
var CoalescedRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "skygate",
		Name:      "coalesced_requests_total",
		Help:      "Total number of requests coalesced onto an in-flight upstream call.",
	},
	[]string{"endpoint"},
)

// CircuitBreakerState reports the upstream breaker's state: 0=closed,
// 1=half_open, 2=open.
var CircuitBreakerState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "skygate",
		Name:      "circuit_breaker_state",
		Help:      "Current circuit breaker state (0=closed, 1=half_open, 2=open).",
	},
)

// RateLimitUsed reports the number of upstream calls spent this month.
var RateLimitUsed = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "skygate",
		Name:      "rate_limit_used",
		Help:      "Upstream API calls used in the current month.",
	},
)

// RateLimitRemaining reports the number of upstream calls left this month.
var RateLimitRemaining = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "skygate",
		Name:      "rate_limit_remaining",
		Help:      "Upstream API calls remaining in the current month.",
	},
)

// All returns the gateway-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		CacheHitsTotal,
		CacheMissesTotal,
		APICallsTotal,
		CoalescedRequestsTotal,
		CircuitBreakerState,
		RateLimitUsed,
		RateLimitRemaining,
	}
}
