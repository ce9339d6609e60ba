// Package balancer picks an endpoint from a service's healthy view. The
// selection functions never block and never mutate endpoint state beyond
// the service's round-robin cursor.
package balancer

import (
	"math/rand/v2"

	"github.com/meshgate/meshgate/internal/registry"
)

// Select picks one endpoint from healthy according to svc's strategy.
// Returns nil when healthy is empty. The caller captures the healthy view
// so the whole routing decision works against one consistent snapshot.
func Select(svc *registry.Service, healthy []*registry.Endpoint) *registry.Endpoint {
	if len(healthy) == 0 {
		return nil
	}
	switch svc.Strategy() {
	case registry.LeastConnections:
		return leastConnections(healthy)
	case registry.Weighted:
		return weighted(healthy)
	case registry.Random:
		return healthy[rand.IntN(len(healthy))]
	default:
		return roundRobin(svc, healthy)
	}
}

// roundRobin rotates through the healthy view. The cursor advances on
// every selection, not every success, so failed picks rotate fairly too.
func roundRobin(svc *registry.Service, healthy []*registry.Endpoint) *registry.Endpoint {
	return healthy[svc.NextCursor()%uint64(len(healthy))]
}

// leastConnections returns the endpoint with the fewest in-flight calls,
// ties broken by first occurrence so selection is stable.
func leastConnections(healthy []*registry.Endpoint) *registry.Endpoint {
	best := healthy[0]
	min := best.ActiveConnections()
	for _, ep := range healthy[1:] {
		if n := ep.ActiveConnections(); n < min {
			best, min = ep, n
		}
	}
	return best
}

// weighted draws proportionally to endpoint weight. Endpoints with weight
// zero receive no traffic; an all-zero configuration falls back to the
// first healthy endpoint instead of failing the selection.
func weighted(healthy []*registry.Endpoint) *registry.Endpoint {
	var total int64
	for _, ep := range healthy {
		if w := ep.Weight(); w > 0 {
			total += int64(w)
		}
	}
	if total <= 0 {
		return healthy[0]
	}
	r := rand.Int64N(total)
	for _, ep := range healthy {
		w := int64(ep.Weight())
		if w <= 0 {
			continue
		}
		r -= w
		if r < 0 {
			return ep
		}
	}
	return healthy[0]
}
