package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshgate/meshgate/internal/circuitbreaker"
	"github.com/meshgate/meshgate/internal/event"
	"github.com/meshgate/meshgate/internal/stats"
)

// HealthState describes an endpoint's standing with the health monitor.
type HealthState int

const (
	// StateRegistered is the initial state. Fresh endpoints receive
	// traffic until a probe or live call says otherwise.
	StateRegistered HealthState = iota
	StateHealthy
	StateUnhealthy
	StateError
)

func (s HealthState) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Strategy selects how the balancer picks among healthy endpoints.
type Strategy string

const (
	RoundRobin       Strategy = "round-robin"
	LeastConnections Strategy = "least-connections"
	Weighted         Strategy = "weighted"
	Random           Strategy = "random"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case RoundRobin, LeastConnections, Weighted, Random:
		return true
	}
	return false
}

// Defaults applied at registration time.
const (
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultHealthPath       = "/health"
)

// ProbeFunc answers whether an endpoint target is healthy. Returning an
// error means the probe itself could not run, which is tracked separately
// from the backend answering "unhealthy".
type ProbeFunc func(ctx context.Context, target string) (bool, error)

// EndpointConfig declares one upstream target at registration time.
type EndpointConfig struct {
	Target string
	Weight int
}

// ServiceConfig is the registration payload for one service.
type ServiceConfig struct {
	Name             string
	Endpoints        []EndpointConfig
	PathPrefixes     []string
	Strategy         Strategy
	Timeout          time.Duration
	MaxRetries       int
	CacheTTL         time.Duration
	FailureThreshold int
	AuthRequired     bool
	HealthPath       string
	Breaker          circuitbreaker.Config

	// Probe overrides the monitor's default HTTP health check for this
	// service's endpoints. Nil selects the default probe.
	Probe ProbeFunc
}

func (c *ServiceConfig) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = RoundRobin
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
}

func (c *ServiceConfig) validate() error {
	if c.Name == "" {
		return errors.New("service name is required")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("service %q: at least one endpoint is required", c.Name)
	}
	if !c.Strategy.Valid() {
		return fmt.Errorf("service %q: unknown strategy %q", c.Name, c.Strategy)
	}
	for i, ep := range c.Endpoints {
		if ep.Target == "" {
			return fmt.Errorf("service %q: endpoints[%d].target is required", c.Name, i)
		}
		u, err := url.Parse(ep.Target)
		if err != nil {
			return fmt.Errorf("service %q: endpoints[%d].target: %w", c.Name, i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("service %q: endpoints[%d].target: scheme must be http or https, got %q", c.Name, i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("service %q: endpoints[%d].target: host is required", c.Name, i)
		}
		if ep.Weight < 0 {
			return fmt.Errorf("service %q: endpoints[%d].weight must be non-negative", c.Name, i)
		}
	}
	for i, prefix := range c.PathPrefixes {
		if prefix == "" || prefix[0] != '/' {
			return fmt.Errorf("service %q: path_prefixes[%d] must start with /", c.Name, i)
		}
	}
	return nil
}

// Endpoint is one routable upstream target. Its health state is shared by
// the router's live marking and the monitor's probes.
type Endpoint struct {
	target string

	weight atomic.Int32
	active atomic.Int64

	mu        sync.Mutex
	state     HealthState
	failures  int
	lastCheck time.Time
}

func newEndpoint(cfg EndpointConfig) *Endpoint {
	ep := &Endpoint{target: cfg.Target, state: StateRegistered}
	ep.weight.Store(int32(cfg.Weight))
	return ep
}

// Target returns the endpoint's base URL.
func (e *Endpoint) Target() string { return e.target }

// Weight returns the balancing weight.
func (e *Endpoint) Weight() int { return int(e.weight.Load()) }

// SetWeight replaces the balancing weight.
func (e *Endpoint) SetWeight(w int) { e.weight.Store(int32(w)) }

// ActiveConnections reports calls currently in flight to this endpoint.
func (e *Endpoint) ActiveConnections() int64 { return e.active.Load() }

// BeginRequest and EndRequest bracket one dispatched call.
func (e *Endpoint) BeginRequest() { e.active.Add(1) }
func (e *Endpoint) EndRequest()   { e.active.Add(-1) }

// State returns the current health state.
func (e *Endpoint) State() HealthState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Routable reports whether the endpoint belongs in the healthy view.
func (e *Endpoint) Routable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRegistered || e.state == StateHealthy
}

// ConsecutiveFailures returns the current failure run length.
func (e *Endpoint) ConsecutiveFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// LastCheck returns when a probe last examined the endpoint.
func (e *Endpoint) LastCheck() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCheck
}

// MarkSuccess records a successful live call. Only fresh endpoints are
// promoted; endpoints taken out of rotation wait for the recovery probe so
// one lucky call cannot flap them back in.
func (e *Endpoint) MarkSuccess() (from, to HealthState, changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	from = e.state
	switch e.state {
	case StateRegistered:
		e.state = StateHealthy
		e.failures = 0
	case StateHealthy:
		e.failures = 0
	}
	to = e.state
	return from, to, from != to
}

// MarkFailure records a failed live call. Reaching threshold consecutive
// failures takes the endpoint out of rotation.
func (e *Endpoint) MarkFailure(threshold int) (from, to HealthState, changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	from = e.state
	e.failures++
	if e.failures >= threshold && (e.state == StateRegistered || e.state == StateHealthy) {
		e.state = StateUnhealthy
	}
	to = e.state
	return from, to, from != to
}

// ApplyProbe folds one health probe result into the endpoint. A probe
// error moves the endpoint to StateError; an unhealthy answer counts
// toward the failure threshold; success restores StateHealthy from any
// state and clears the failure run.
func (e *Endpoint) ApplyProbe(healthy bool, probeErr error, threshold int) (from, to HealthState, changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastCheck = time.Now()
	from = e.state
	switch {
	case probeErr != nil:
		e.failures++
		e.state = StateError
	case healthy:
		e.failures = 0
		e.state = StateHealthy
	default:
		e.failures++
		if e.failures >= threshold {
			e.state = StateUnhealthy
		}
	}
	to = e.state
	return from, to, from != to
}

// Service is a registered upstream with its routing policy and runtime
// state. The round-robin cursor lives here so selection order is a
// property of the service, not of any single caller.
type Service struct {
	name             string
	strategy         Strategy
	timeout          time.Duration
	maxRetries       int
	cacheTTL         time.Duration
	failureThreshold int
	authRequired     bool
	healthPath       string
	pathPrefixes     []string

	endpoints []*Endpoint
	cursor    atomic.Uint64
	probe     ProbeFunc

	breaker  *circuitbreaker.Breaker
	bulkhead *circuitbreaker.Bulkhead
	stats    *stats.Collector

	bus *event.Bus
}

func newService(cfg ServiceConfig, logger *slog.Logger, bus *event.Bus) *Service {
	endpoints := make([]*Endpoint, 0, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		endpoints = append(endpoints, newEndpoint(ec))
	}
	prefixes := make([]string, len(cfg.PathPrefixes))
	copy(prefixes, cfg.PathPrefixes)
	return &Service{
		name:             cfg.Name,
		strategy:         cfg.Strategy,
		timeout:          cfg.Timeout,
		maxRetries:       cfg.MaxRetries,
		cacheTTL:         cfg.CacheTTL,
		failureThreshold: cfg.FailureThreshold,
		authRequired:     cfg.AuthRequired,
		healthPath:       cfg.HealthPath,
		pathPrefixes:     prefixes,
		endpoints:        endpoints,
		probe:            cfg.Probe,
		breaker:          circuitbreaker.New(cfg.Name, cfg.Breaker, logger, bus),
		bulkhead:         circuitbreaker.NewBulkhead(cfg.Breaker.MaxConcurrent),
		stats:            stats.NewCollector(),
		bus:              bus,
	}
}

// Name returns the unique service name.
func (s *Service) Name() string { return s.name }

// Strategy returns the configured balancing strategy.
func (s *Service) Strategy() Strategy { return s.strategy }

// Timeout is the per-attempt deadline for calls to this service; 0 leaves
// attempts bounded only by the request deadline.
func (s *Service) Timeout() time.Duration { return s.timeout }

// MaxRetries is the number of additional attempts after the first.
func (s *Service) MaxRetries() int { return s.maxRetries }

// CacheTTL is how long successful GET bodies may be replayed; 0 disables
// caching for the service.
func (s *Service) CacheTTL() time.Duration { return s.cacheTTL }

// FailureThreshold is the consecutive-failure count that takes an endpoint
// out of rotation.
func (s *Service) FailureThreshold() int { return s.failureThreshold }

// AuthRequired reports whether calls must carry a valid bearer token.
func (s *Service) AuthRequired() bool { return s.authRequired }

// HealthPath is the probe path on each endpoint.
func (s *Service) HealthPath() string { return s.healthPath }

// Probe returns the custom probe function, nil when the monitor's default
// applies.
func (s *Service) Probe() ProbeFunc { return s.probe }

// PathPrefixes returns the path prefixes routed to this service.
func (s *Service) PathPrefixes() []string {
	out := make([]string, len(s.pathPrefixes))
	copy(out, s.pathPrefixes)
	return out
}

// Endpoints returns the service's endpoints in registration order.
func (s *Service) Endpoints() []*Endpoint {
	out := make([]*Endpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// HealthyEndpoints returns the endpoints currently eligible for traffic,
// preserving registration order.
func (s *Service) HealthyEndpoints() []*Endpoint {
	out := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		if ep.Routable() {
			out = append(out, ep)
		}
	}
	return out
}

// Active reports whether the service can take traffic: at least one
// routable endpoint and a breaker that is not open. Derived on read, never
// stored.
func (s *Service) Active() bool {
	if s.breaker.State() == circuitbreaker.StateOpen {
		return false
	}
	for _, ep := range s.endpoints {
		if ep.Routable() {
			return true
		}
	}
	return false
}

// NextCursor advances and returns the round-robin cursor. It moves on
// every selection regardless of the call's outcome.
func (s *Service) NextCursor() uint64 { return s.cursor.Add(1) }

// Breaker returns the service's circuit breaker.
func (s *Service) Breaker() *circuitbreaker.Breaker { return s.breaker }

// Bulkhead returns the concurrency cap, nil when unlimited.
func (s *Service) Bulkhead() *circuitbreaker.Bulkhead { return s.bulkhead }

// Stats returns the service's in-process metrics collector.
func (s *Service) Stats() *stats.Collector { return s.stats }

// RecordSuccess marks a successful live call against ep and publishes the
// transition if the endpoint's state changed.
func (s *Service) RecordSuccess(ep *Endpoint) {
	if from, to, changed := ep.MarkSuccess(); changed {
		s.publishEndpoint(ep, from, to)
	}
}

// RecordFailure marks a failed live call against ep and publishes the
// transition if the endpoint's state changed.
func (s *Service) RecordFailure(ep *Endpoint) {
	if from, to, changed := ep.MarkFailure(s.failureThreshold); changed {
		s.publishEndpoint(ep, from, to)
	}
}

// RecordProbe folds a probe result into ep and publishes the transition if
// the endpoint's state changed.
func (s *Service) RecordProbe(ep *Endpoint, healthy bool, probeErr error) {
	if from, to, changed := ep.ApplyProbe(healthy, probeErr, s.failureThreshold); changed {
		s.publishEndpoint(ep, from, to)
	}
}

// FindEndpoint returns the endpoint with the given target, or nil.
func (s *Service) FindEndpoint(target string) *Endpoint {
	for _, ep := range s.endpoints {
		if ep.target == target {
			return ep
		}
	}
	return nil
}

// UpdateWeights replaces balancing weights keyed by endpoint target. The
// whole update is validated before any weight changes.
func (s *Service) UpdateWeights(weights map[string]int) error {
	for target, w := range weights {
		if w < 0 {
			return fmt.Errorf("service %q: weight for %s must be non-negative, got %d", s.name, target, w)
		}
		if s.FindEndpoint(target) == nil {
			return fmt.Errorf("service %q has no endpoint %s", s.name, target)
		}
	}
	for target, w := range weights {
		s.FindEndpoint(target).SetWeight(w)
	}
	return nil
}

func (s *Service) publishEndpoint(ep *Endpoint, from, to HealthState) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{
		Type:     event.EndpointMarked,
		Service:  s.name,
		Endpoint: ep.Target(),
		Healthy:  to == StateHealthy || to == StateRegistered,
		Detail:   from.String() + " -> " + to.String(),
	})
}
