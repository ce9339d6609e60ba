package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshgate/meshgate/internal/circuitbreaker"
	"github.com/meshgate/meshgate/internal/event"
	"github.com/meshgate/meshgate/internal/registry"
	"github.com/meshgate/meshgate/internal/router"
)

func TestCollectorsRegisterCleanly(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
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

func TestErrorType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"service not found", &registry.ServiceNotFoundError{Name: "users"}, "service_not_found"},
		{"no healthy endpoint", &router.NoHealthyEndpointError{Service: "users"}, "no_healthy_endpoint"},
		{"circuit open", &circuitbreaker.OpenError{Service: "users"}, "circuit_open"},
		{"upstream timeout", &router.UpstreamTimeoutError{Service: "users", Timeout: time.Second}, "upstream_timeout"},
		{"upstream error", &router.UpstreamError{Service: "users", Status: 502}, "upstream_error"},
		{"concurrency limited", &router.ConcurrencyLimitError{Service: "users", Limit: 8}, "concurrency_limited"},
		{"wrapped timeout", fmt.Errorf("route: %w", &router.UpstreamTimeoutError{Service: "users"}), "upstream_timeout"},
		{"unknown", errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorType(tt.err); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSinkAndMirrorExposedViaHandler(t *testing.T) {
	Init()

	bus := event.NewBus(0)
	mirror := NewMirror(bus)

	var sink Sink
	sink.TrackRequest("users", "GET", "/api/users", 200, 50*time.Millisecond)
	sink.TrackError("", "", errors.New("boom"))
	sink.TrackCacheHit("users")
	sink.TrackRetry("users")

	bus.Publish(event.Event{Type: event.BreakerOpened, Service: "users"})
	bus.Publish(event.Event{Type: event.EndpointMarked, Service: "users", Endpoint: "http://b1.local", Healthy: true})
	bus.Publish(event.Event{Type: event.EndpointMarked, Service: "users", Endpoint: "http://b2.local", Healthy: false})
	bus.Publish(event.Event{Type: event.BreakerClosed, Service: "orders"})
	bus.Publish(event.Event{Type: event.ServiceUnregistered, Service: "orders"})

	// Stop drains everything already published before returning.
	mirror.Stop()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scraping metrics: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading scrape body: %v", err)
	}
	body := string(raw)

	wantLines := []string{
		`meshgate_requests_total{method="GET",service="users",status="200"} 1`,
		`meshgate_errors_total{service="unknown",type="internal"} 1`,
		`meshgate_cache_hits_total{service="users"} 1`,
		`meshgate_retries_total{service="users"} 1`,
		`meshgate_breaker_state{service="users"} 1`,
		`meshgate_endpoint_up{endpoint="http://b1.local",service="users"} 1`,
		`meshgate_endpoint_up{endpoint="http://b2.local",service="users"} 0`,
		"meshgate_request_duration_seconds",
	}
	for _, want := range wantLines {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}

	// Unregistering a service removes its gauges entirely.
	if strings.Contains(body, `service="orders"`) {
		t.Errorf("scrape output still references unregistered service %q", "orders")
	}
}
