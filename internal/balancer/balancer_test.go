package balancer

import (
	"fmt"
	"testing"

	"github.com/meshgate/meshgate/internal/registry"
)

func newTestService(t *testing.T, strategy registry.Strategy, weights ...int) *registry.Service {
	t.Helper()
	endpoints := make([]registry.EndpointConfig, len(weights))
	for i, w := range weights {
		endpoints[i] = registry.EndpointConfig{
			Target: fmt.Sprintf("http://backend-%d.local", i+1),
			Weight: w,
		}
	}
	r := registry.New(nil, nil)
	svc, err := r.Register(registry.ServiceConfig{
		Name:      "test",
		Endpoints: endpoints,
		Strategy:  strategy,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return svc
}

func TestSelect_EmptyView(t *testing.T) {
	svc := newTestService(t, registry.RoundRobin, 1)
	if ep := Select(svc, nil); ep != nil {
		t.Fatalf("expected nil for empty healthy view, got %s", ep.Target())
	}
}

func TestRoundRobin_RotatesFairly(t *testing.T) {
	svc := newTestService(t, registry.RoundRobin, 1, 1, 1)
	healthy := svc.HealthyEndpoints()

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		ep := Select(svc, healthy)
		if ep == nil {
			t.Fatalf("expected a pick on iteration %d", i)
		}
		counts[ep.Target()]++
	}

	for _, ep := range healthy {
		if got := counts[ep.Target()]; got != 3 {
			t.Errorf("expected %s to receive 3 picks over 9 calls, got %d (counts=%v)",
				ep.Target(), got, counts)
		}
	}
}

func TestRoundRobin_AdvancesOnShrunkenView(t *testing.T) {
	svc := newTestService(t, registry.RoundRobin, 1, 1, 1)
	healthy := svc.HealthyEndpoints()

	// Consume a few picks against the full view, then shrink it. The
	// cursor keeps moving; selection stays within the smaller view.
	for i := 0; i < 4; i++ {
		Select(svc, healthy)
	}
	shrunk := healthy[:2]
	for i := 0; i < 10; i++ {
		ep := Select(svc, shrunk)
		if ep != shrunk[0] && ep != shrunk[1] {
			t.Fatalf("pick escaped the healthy view: %s", ep.Target())
		}
	}
}

func TestLeastConnections_PicksIdleEndpoint(t *testing.T) {
	svc := newTestService(t, registry.LeastConnections, 1, 1, 1)
	healthy := svc.HealthyEndpoints()

	healthy[0].BeginRequest()
	healthy[0].BeginRequest()
	healthy[1].BeginRequest()

	if ep := Select(svc, healthy); ep != healthy[2] {
		t.Fatalf("expected idle endpoint %s, got %s", healthy[2].Target(), ep.Target())
	}
}

func TestLeastConnections_TiesAreStable(t *testing.T) {
	svc := newTestService(t, registry.LeastConnections, 1, 1, 1)
	healthy := svc.HealthyEndpoints()

	// All idle: the first endpoint wins every tie.
	for i := 0; i < 5; i++ {
		if ep := Select(svc, healthy); ep != healthy[0] {
			t.Fatalf("expected stable tie-break on first endpoint, got %s", ep.Target())
		}
	}
}

func TestWeighted_Proportionality(t *testing.T) {
	svc := newTestService(t, registry.Weighted, 1, 3)
	healthy := svc.HealthyEndpoints()

	const draws = 10000
	second := 0
	for i := 0; i < draws; i++ {
		if Select(svc, healthy) == healthy[1] {
			second++
		}
	}

	// Expect ~75% within a margin far beyond binomial noise.
	share := float64(second) / draws
	if share < 0.70 || share > 0.80 {
		t.Fatalf("expected weight-3 endpoint near 75%% of draws, got %.1f%%", share*100)
	}
}

func TestWeighted_ExcludesZeroWeight(t *testing.T) {
	svc := newTestService(t, registry.Weighted, 0, 2)
	healthy := svc.HealthyEndpoints()

	for i := 0; i < 100; i++ {
		if ep := Select(svc, healthy); ep != healthy[1] {
			t.Fatalf("zero-weight endpoint was selected on iteration %d", i)
		}
	}
}

func TestWeighted_AllZeroFallsBackToFirst(t *testing.T) {
	svc := newTestService(t, registry.Weighted, 0, 0, 0)
	healthy := svc.HealthyEndpoints()

	if ep := Select(svc, healthy); ep != healthy[0] {
		t.Fatalf("expected first endpoint for all-zero weights, got %s", ep.Target())
	}
}

func TestRandom_CoversAllEndpoints(t *testing.T) {
	svc := newTestService(t, registry.Random, 1, 1, 1)
	healthy := svc.HealthyEndpoints()

	counts := map[string]int{}
	for i := 0; i < 3000; i++ {
		counts[Select(svc, healthy).Target()]++
	}
	for _, ep := range healthy {
		if counts[ep.Target()] == 0 {
			t.Errorf("endpoint %s never selected over 3000 uniform draws", ep.Target())
		}
	}
}
