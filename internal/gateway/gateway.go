// Package gateway wires the registry, router, health monitor, response
// cache, and metrics mirror into one unit with a programmatic API. The
// HTTP server and the admin API are thin layers over this type.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshgate/meshgate/internal/cache"
	"github.com/meshgate/meshgate/internal/circuitbreaker"
	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/event"
	"github.com/meshgate/meshgate/internal/health"
	"github.com/meshgate/meshgate/internal/metrics"
	"github.com/meshgate/meshgate/internal/registry"
	"github.com/meshgate/meshgate/internal/router"
	"github.com/meshgate/meshgate/internal/stats"
)

// Gateway owns the long-lived routing state: registered services, their
// breakers and balancers, the health monitor, and the response cache.
type Gateway struct {
	logger          *slog.Logger
	bus             *event.Bus
	registry        *registry.Registry
	router          *router.Router
	monitor         *health.Monitor
	cache           *cache.Cache
	mirror          *metrics.Mirror
	breakerDefaults config.BreakerConfig
}

// New assembles a gateway from cfg and registers its configured services.
// Call Start to launch the health monitor and Stop to release everything.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bus := event.NewBus(0)
	reg := registry.New(logger, bus)

	var respCache *cache.Cache
	if cfg.Cache.IsEnabled() {
		c, err := cache.New(cache.Config{MaxBytes: cfg.Cache.MaxBytes()})
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("building response cache: %w", err)
		}
		respCache = c
	}

	// A typed nil must never reach the interface field; the router treats
	// any non-nil cache as live.
	var routerCache router.Cache
	if respCache != nil {
		routerCache = respCache
	}

	dispatcher := router.NewHTTPDispatcherWithLimit(cfg.Router.MaxResponseBytes)
	rt := router.New(reg, dispatcher, routerCache, metrics.Sink{}, router.Config{
		BackoffBase: cfg.Router.BackoffBase,
		BackoffCap:  cfg.Router.BackoffCap,
	}, logger)

	monitor := health.New(reg, health.Config{
		ProbeInterval:    cfg.Health.ProbeInterval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		RecoveryInterval: cfg.Health.RecoveryInterval,
	}, logger)

	gw := &Gateway{
		logger:          logger.With("component", "gateway"),
		bus:             bus,
		registry:        reg,
		router:          rt,
		monitor:         monitor,
		cache:           respCache,
		mirror:          metrics.NewMirror(bus),
		breakerDefaults: cfg.Breaker,
	}

	for _, sc := range cfg.Services {
		if err := gw.RegisterService(sc); err != nil {
			gw.Stop()
			return nil, fmt.Errorf("registering service %q: %w", sc.Name, err)
		}
	}

	return gw, nil
}

// Start launches the health monitor loops.
func (g *Gateway) Start() {
	g.monitor.Start()
	g.logger.Info("gateway started", "services", g.registry.Len())
}

// Stop halts the monitor, detaches the metrics mirror, closes the event
// bus, and releases the cache. Safe to call on a never-started gateway.
func (g *Gateway) Stop() {
	g.monitor.Stop()
	g.mirror.Stop()
	g.bus.Close()
	if g.cache != nil {
		g.cache.Close()
	}
}

// Route sends one request through resolution, admission, and dispatch.
func (g *Gateway) Route(ctx context.Context, req *router.Request) (*router.Response, error) {
	return g.router.Route(ctx, req)
}

// RegisterService adds a service at runtime. The global breaker defaults
// fill any fields the service's breaker override leaves unset.
func (g *Gateway) RegisterService(sc config.ServiceConfig) error {
	br := sc.BreakerSettings(g.breakerDefaults)
	endpoints := make([]registry.EndpointConfig, len(sc.Endpoints))
	for i, ep := range sc.Endpoints {
		endpoints[i] = registry.EndpointConfig{Target: ep.Target, Weight: ep.Weight}
	}

	_, err := g.registry.Register(registry.ServiceConfig{
		Name:             sc.Name,
		Endpoints:        endpoints,
		PathPrefixes:     sc.Prefixes,
		Strategy:         registry.Strategy(sc.Strategy),
		Timeout:          sc.Timeout,
		MaxRetries:       sc.MaxRetries,
		CacheTTL:         sc.CacheTTL,
		FailureThreshold: sc.FailureThreshold,
		AuthRequired:     sc.AuthRequired,
		HealthPath:       sc.HealthPath,
		Breaker: circuitbreaker.Config{
			WindowSize:        br.WindowSize,
			VolumeThreshold:   br.VolumeThreshold,
			ErrorThresholdPct: br.ErrorThresholdPct,
			ResetTimeout:      br.ResetTimeout,
			TimeoutTripLimit:  br.TimeoutTripLimit,
			MaxConcurrent:     sc.MaxConcurrent,
		},
	})
	return err
}

// UnregisterService removes a service and its routes. Requests in flight
// finish against the old state.
func (g *Gateway) UnregisterService(name string) error {
	if _, err := g.registry.Lookup(name); err != nil {
		return err
	}
	g.router.ClearHooks(name)
	g.registry.Unregister(name)
	return nil
}

// RequiresAuth reports whether the service owning path demands a verified
// token. Unmatched paths answer false; resolution will 404 them anyway.
func (g *Gateway) RequiresAuth(path string) bool {
	svc, ok := g.registry.ResolveByPath(path)
	return ok && svc.AuthRequired()
}

// SetHooks replaces the pre-dispatch hooks for service.
func (g *Gateway) SetHooks(service string, hooks ...router.Hook) {
	g.router.SetHooks(service, hooks...)
}

// ResetBreaker forces the named service's circuit breaker closed.
func (g *Gateway) ResetBreaker(service string) error {
	svc, err := g.registry.Lookup(service)
	if err != nil {
		return err
	}
	svc.Breaker().Reset()
	g.logger.Info("circuit breaker reset", "service", service)
	return nil
}

// UpdateWeights replaces balancing weights for the named service, keyed by
// endpoint target.
func (g *Gateway) UpdateWeights(service string, weights map[string]int) error {
	svc, err := g.registry.Lookup(service)
	if err != nil {
		return err
	}
	return svc.UpdateWeights(weights)
}

// Events returns the most recent state-change events, newest last.
func (g *Gateway) Events(limit int) []event.Event {
	return g.bus.Recent(limit)
}

// ProbeOnce runs one synchronous health probe sweep. Exposed for the admin
// API and for deterministic tests.
func (g *Gateway) ProbeOnce() { g.monitor.ProbeOnce() }

// RecoverOnce runs one synchronous recovery sweep over endpoints that are
// out of rotation.
func (g *Gateway) RecoverOnce() { g.monitor.RecoverOnce() }

// ApplyConfig applies the hot-reloadable parts of a new configuration:
// endpoint weights of already-registered services. Adding or removing
// services takes the admin API or a restart.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	for _, sc := range cfg.Services {
		svc, err := g.registry.Lookup(sc.Name)
		if err != nil {
			g.logger.Warn("reload: service not registered, skipping", "service", sc.Name)
			continue
		}
		weights := make(map[string]int, len(sc.Endpoints))
		for _, ep := range sc.Endpoints {
			weights[ep.Target] = ep.Weight
		}
		if err := svc.UpdateWeights(weights); err != nil {
			g.logger.Warn("reload: weight update rejected", "service", sc.Name, "error", err)
		}
	}
}

// EndpointHealth is one endpoint's view in a health report.
type EndpointHealth struct {
	Target              string    `json:"target"`
	State               string    `json:"state"`
	Weight              int       `json:"weight"`
	ActiveConnections   int64     `json:"active_connections"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check"`
}

// ServiceHealth aggregates one service's endpoints and breaker state.
type ServiceHealth struct {
	Service   string           `json:"service"`
	Strategy  string           `json:"strategy"`
	Breaker   string           `json:"breaker_state"`
	Routable  int              `json:"routable_endpoints"`
	Total     int              `json:"total_endpoints"`
	Active    bool             `json:"active"`
	Endpoints []EndpointHealth `json:"endpoints"`
}

// Health reports every registered service, sorted by name.
func (g *Gateway) Health() []ServiceHealth {
	services := g.registry.List()
	out := make([]ServiceHealth, 0, len(services))
	for _, svc := range services {
		eps := svc.Endpoints()
		sh := ServiceHealth{
			Service:   svc.Name(),
			Strategy:  string(svc.Strategy()),
			Breaker:   svc.Breaker().State().String(),
			Total:     len(eps),
			Active:    svc.Active(),
			Endpoints: make([]EndpointHealth, 0, len(eps)),
		}
		for _, ep := range eps {
			if ep.Routable() {
				sh.Routable++
			}
			sh.Endpoints = append(sh.Endpoints, EndpointHealth{
				Target:              ep.Target(),
				State:               ep.State().String(),
				Weight:              ep.Weight(),
				ActiveConnections:   ep.ActiveConnections(),
				ConsecutiveFailures: ep.ConsecutiveFailures(),
				LastCheck:           ep.LastCheck(),
			})
		}
		out = append(out, sh)
	}
	return out
}

// ServicePolicy is one service's routing policy as the admin API reports
// it, combined with live endpoint state.
type ServicePolicy struct {
	Name             string           `json:"name"`
	Prefixes         []string         `json:"prefixes"`
	Strategy         string           `json:"strategy"`
	TimeoutMs        int64            `json:"timeout_ms"`
	MaxRetries       int              `json:"max_retries"`
	CacheTTLMs       int64            `json:"cache_ttl_ms"`
	FailureThreshold int              `json:"failure_threshold"`
	AuthRequired     bool             `json:"auth_required"`
	HealthPath       string           `json:"health_path"`
	MaxConcurrent    int              `json:"max_concurrent"`
	Breaker          string           `json:"breaker_state"`
	Endpoints        []EndpointHealth `json:"endpoints"`
}

// Services reports every registered service's policy, sorted by name.
func (g *Gateway) Services() []ServicePolicy {
	services := g.registry.List()
	out := make([]ServicePolicy, 0, len(services))
	for _, svc := range services {
		eps := svc.Endpoints()
		sp := ServicePolicy{
			Name:             svc.Name(),
			Prefixes:         svc.PathPrefixes(),
			Strategy:         string(svc.Strategy()),
			TimeoutMs:        svc.Timeout().Milliseconds(),
			MaxRetries:       svc.MaxRetries(),
			CacheTTLMs:       svc.CacheTTL().Milliseconds(),
			FailureThreshold: svc.FailureThreshold(),
			AuthRequired:     svc.AuthRequired(),
			HealthPath:       svc.HealthPath(),
			MaxConcurrent:    svc.Bulkhead().Cap(),
			Breaker:          svc.Breaker().State().String(),
			Endpoints:        make([]EndpointHealth, 0, len(eps)),
		}
		for _, ep := range eps {
			sp.Endpoints = append(sp.Endpoints, EndpointHealth{
				Target:              ep.Target(),
				State:               ep.State().String(),
				Weight:              ep.Weight(),
				ActiveConnections:   ep.ActiveConnections(),
				ConsecutiveFailures: ep.ConsecutiveFailures(),
				LastCheck:           ep.LastCheck(),
			})
		}
		out = append(out, sp)
	}
	return out
}

// Ready reports whether the gateway can take traffic: at least one
// registered service is active. A gateway with no services is ready; it
// just 404s.
func (g *Gateway) Ready() bool {
	services := g.registry.List()
	if len(services) == 0 {
		return true
	}
	for _, svc := range services {
		if svc.Active() {
			return true
		}
	}
	return false
}

// ServiceMetrics is one service's latency and outcome aggregates.
type ServiceMetrics struct {
	Service  string                `json:"service"`
	Stats    stats.Snapshot        `json:"stats"`
	Breaker  circuitbreaker.Counts `json:"breaker"`
	InFlight int                   `json:"in_flight"`
}

// CacheStats mirrors the response cache counters.
type CacheStats struct {
	Enabled bool    `json:"enabled"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Ratio   float64 `json:"hit_ratio"`
}

// MetricsReport aggregates per-service metrics and cache counters.
type MetricsReport struct {
	Services []ServiceMetrics `json:"services"`
	Cache    CacheStats       `json:"cache"`
}

// Metrics snapshots every service's collectors plus the cache counters.
func (g *Gateway) Metrics() MetricsReport {
	services := g.registry.List()
	report := MetricsReport{Services: make([]ServiceMetrics, 0, len(services))}
	for _, svc := range services {
		sm := ServiceMetrics{
			Service: svc.Name(),
			Stats:   svc.Stats().Snapshot(),
			Breaker: svc.Breaker().Counts(),
		}
		if bh := svc.Bulkhead(); bh != nil {
			sm.InFlight = bh.InFlight()
		}
		report.Services = append(report.Services, sm)
	}
	if g.cache != nil {
		hits, misses, ratio := g.cache.Stats()
		report.Cache = CacheStats{Enabled: true, Hits: hits, Misses: misses, Ratio: ratio}
	}
	return report
}
