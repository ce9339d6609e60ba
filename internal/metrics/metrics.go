// Package metrics provides Prometheus instrumentation for the gateway.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping. Sink adapts the collectors to the
// router's observer interface; Mirror follows the event bus to keep the
// breaker and endpoint gauges current.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshgate/meshgate/internal/circuitbreaker"
	"github.com/meshgate/meshgate/internal/event"
	"github.com/meshgate/meshgate/internal/registry"
	"github.com/meshgate/meshgate/internal/router"
)

var (
	// RequestsTotal counts completed calls by service, method, and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_requests_total",
			Help: "Total requests routed to upstream services",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration observes whole-call latency in seconds, retries
	// included.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshgate_request_duration_seconds",
			Help:    "Route latency in seconds including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	// ErrorsTotal counts failed calls by service and error category.
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_errors_total",
			Help: "Total failed calls by error category",
		},
		[]string{"service", "type"},
	)

	// RetriesTotal counts retry dispatches by service.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_retries_total",
			Help: "Total retry dispatches",
		},
		[]string{"service"},
	)

	// CacheHits counts responses served from the response cache.
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_cache_hits_total",
			Help: "Total responses served from cache",
		},
		[]string{"service"},
	)

	// ActiveConnections tracks in-flight requests at the gateway.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshgate_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts admission rejections. No per-path label:
	// admission runs before routing, and raw paths are unbounded.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshgate_rate_limit_hits_total",
			Help: "Total requests rejected by admission control",
		},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// BreakerState reports each service's breaker position:
	// 0 closed, 1 open, 2 half-open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshgate_breaker_state",
			Help: "Circuit breaker state per service (0 closed, 1 open, 2 half-open)",
		},
		[]string{"service"},
	)

	// EndpointUp reports endpoint routability: 1 in rotation, 0 out.
	EndpointUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshgate_endpoint_up",
			Help: "Endpoint routability per service (1 in rotation)",
		},
		[]string{"service", "endpoint"},
	)
)

// Init registers all metric collectors with the default Prometheus
// registry. Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ErrorsTotal,
		RetriesTotal,
		CacheHits,
		ActiveConnections,
		RateLimitHits,
		AuthFailures,
		BreakerState,
		EndpointUp,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics
// endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Sink feeds the collectors from the router's hot path.
type Sink struct{}

func (Sink) TrackRequest(service, method, path string, status int, latency time.Duration) {
	RequestsTotal.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(latency.Seconds())
}

func (Sink) TrackError(service, path string, err error) {
	if service == "" {
		service = "unknown"
	}
	ErrorsTotal.WithLabelValues(service, errorType(err)).Inc()
}

func (Sink) TrackCacheHit(service string) {
	CacheHits.WithLabelValues(service).Inc()
}

func (Sink) TrackRetry(service string) {
	RetriesTotal.WithLabelValues(service).Inc()
}

// errorType maps an error to its stable category label.
func errorType(err error) string {
	var (
		notFound    *registry.ServiceNotFoundError
		noHealthy   *router.NoHealthyEndpointError
		open        *circuitbreaker.OpenError
		timeout     *router.UpstreamTimeoutError
		upstream    *router.UpstreamError
		concurrency *router.ConcurrencyLimitError
	)
	switch {
	case errors.As(err, &notFound):
		return "service_not_found"
	case errors.As(err, &noHealthy):
		return "no_healthy_endpoint"
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &timeout):
		return "upstream_timeout"
	case errors.As(err, &upstream):
		return "upstream_error"
	case errors.As(err, &concurrency):
		return "concurrency_limited"
	default:
		return "internal"
	}
}

// Mirror keeps BreakerState and EndpointUp in sync with bus events.
type Mirror struct {
	bus  *event.Bus
	ch   chan event.Event
	done chan struct{}
}

// NewMirror subscribes to bus and starts following it. Stop unsubscribes.
func NewMirror(bus *event.Bus) *Mirror {
	m := &Mirror{
		bus:  bus,
		ch:   bus.Subscribe(64),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mirror) run() {
	defer close(m.done)
	for e := range m.ch {
		switch e.Type {
		case event.BreakerOpened:
			BreakerState.WithLabelValues(e.Service).Set(1)
		case event.BreakerHalfOpen:
			BreakerState.WithLabelValues(e.Service).Set(2)
		case event.BreakerClosed, event.ServiceRegistered:
			BreakerState.WithLabelValues(e.Service).Set(0)
		case event.ServiceUnregistered:
			BreakerState.DeleteLabelValues(e.Service)
			EndpointUp.DeletePartialMatch(prometheus.Labels{"service": e.Service})
		case event.EndpointMarked:
			v := 0.0
			if e.Healthy {
				v = 1
			}
			EndpointUp.WithLabelValues(e.Service, e.Endpoint).Set(v)
		}
	}
}

// Stop detaches the mirror from the bus and waits for it to drain.
func (m *Mirror) Stop() {
	m.bus.Unsubscribe(m.ch)
	<-m.done
}
