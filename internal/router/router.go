// Package router orchestrates one gateway call: resolve the service, try
// the cache, pass breaker admission, run pre-request hooks, then dispatch
// against balanced endpoints with retries and backoff, recording the
// outcome everywhere it is owed.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/balancer"
	"github.com/meshgate/meshgate/internal/cache"
	"github.com/meshgate/meshgate/internal/circuitbreaker"
	"github.com/meshgate/meshgate/internal/registry"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffCap  = 5 * time.Second
)

// Cache is the response store consulted on the hot path. Both methods must
// be safe for concurrent use and must not block.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, body []byte, ttl time.Duration)
}

// Sink receives fire-and-forget observability signals, distinct from the
// per-service stats collector.
type Sink interface {
	TrackRequest(service, method, path string, status int, latency time.Duration)
	TrackError(service, path string, err error)
	TrackCacheHit(service string)
	TrackRetry(service string)
}

// NopSink discards every signal.
type NopSink struct{}

func (NopSink) TrackRequest(string, string, string, int, time.Duration) {}
func (NopSink) TrackError(string, string, error)                        {}
func (NopSink) TrackCacheHit(string)                                    {}
func (NopSink) TrackRetry(string)                                       {}

// Hook runs before dispatch. An error aborts the call; it is recorded as
// the call's failure and never retried.
type Hook func(ctx context.Context, req *Request) error

// Config tunes the retry backoff. Zero fields fall back to the defaults.
type Config struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	return c
}

// Router is the gateway's one true entry point for traffic.
type Router struct {
	registry   *registry.Registry
	dispatcher Dispatcher
	cache      Cache
	sink       Sink
	cfg        Config
	logger     *slog.Logger

	hookMu sync.RWMutex
	hooks  map[string][]Hook
}

// New builds a router. cache may be nil to disable response caching, sink
// may be nil to discard signals.
func New(reg *registry.Registry, dispatcher Dispatcher, respCache Cache, sink Sink, cfg Config, logger *slog.Logger) *Router {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:   reg,
		dispatcher: dispatcher,
		cache:      respCache,
		sink:       sink,
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "router"),
		hooks:      make(map[string][]Hook),
	}
}

// SetHooks replaces the pre-request hooks for service. Hooks run in order
// before every dispatch.
func (rt *Router) SetHooks(service string, hooks ...Hook) {
	rt.hookMu.Lock()
	rt.hooks[service] = hooks
	rt.hookMu.Unlock()
}

// ClearHooks drops all hooks for service.
func (rt *Router) ClearHooks(service string) {
	rt.hookMu.Lock()
	delete(rt.hooks, service)
	rt.hookMu.Unlock()
}

// Route resolves, admits, dispatches, and records one call.
func (rt *Router) Route(ctx context.Context, req *Request) (*Response, error) {
	svc, err := rt.resolve(req)
	if err != nil {
		rt.sink.TrackError("", req.Path, err)
		return nil, err
	}

	cacheable := req.Method == http.MethodGet && svc.CacheTTL() > 0 && rt.cache != nil
	key := cache.Key(svc.Name(), req.Method, req.Path)
	if cacheable {
		if body, ok := rt.cache.Get(key); ok {
			rt.sink.TrackCacheHit(svc.Name())
			return &Response{Status: http.StatusOK, Body: body, FromCache: true}, nil
		}
	}

	// The bulkhead is taken before breaker admission so a turned-away
	// call can never strand the half-open probe claim.
	breaker := svc.Breaker()
	if bh := svc.Bulkhead(); bh != nil {
		if !bh.Acquire() {
			breaker.RecordRejection()
			err := &ConcurrencyLimitError{Service: svc.Name(), Limit: bh.Cap()}
			rt.sink.TrackError(svc.Name(), req.Path, err)
			return nil, err
		}
		defer bh.Release()
	}

	if !breaker.Allow() {
		err := &circuitbreaker.OpenError{Service: svc.Name()}
		rt.logger.Warn("rejected by circuit breaker", "service", svc.Name(), "path", req.Path)
		rt.sink.TrackError(svc.Name(), req.Path, err)
		return nil, err
	}

	// Past this point exactly one breaker outcome must be recorded, or a
	// half-open probe claim would leak.
	start := time.Now()

	if err := rt.runHooks(ctx, svc.Name(), req); err != nil {
		err = fmt.Errorf("pre-request hook for service %q: %w", svc.Name(), err)
		rt.recordFailure(svc, req, err, time.Since(start))
		return nil, err
	}

	resp, err := rt.attempt(ctx, svc, req)
	latency := time.Since(start)
	if err != nil {
		rt.recordFailure(svc, req, err, latency)
		return nil, err
	}

	breaker.RecordSuccess()
	svc.Stats().Record(millis(latency), true)
	rt.sink.TrackRequest(svc.Name(), req.Method, req.Path, resp.Status, latency)
	if cacheable && resp.Status == http.StatusOK {
		rt.cache.Set(key, resp.Body, svc.CacheTTL())
	}
	return resp, nil
}

func (rt *Router) resolve(req *Request) (*registry.Service, error) {
	if req.Service != "" {
		return rt.registry.Lookup(req.Service)
	}
	if svc, ok := rt.registry.ResolveByPath(req.Path); ok {
		return svc, nil
	}
	return nil, &registry.ServiceNotFoundError{Path: req.Path}
}

// attempt runs the retry loop. Endpoint health marking happens per
// attempt; the breaker and stats only ever see the call's final outcome.
func (rt *Router) attempt(ctx context.Context, svc *registry.Service, req *Request) (*Response, error) {
	var lastErr error
	degraded := false
	attempts := svc.MaxRetries() + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			break
		}

		ep := balancer.Select(svc, svc.HealthyEndpoints())
		if ep == nil {
			if degraded {
				lastErr = &NoHealthyEndpointError{Service: svc.Name()}
				break
			}
			// Last resort: try the first endpoint regardless of state,
			// once per call. Registration guarantees at least one.
			ep = svc.Endpoints()[0]
			degraded = true
			rt.logger.Warn("no healthy endpoints, degraded dispatch",
				"service", svc.Name(),
				"endpoint", ep.Target(),
				"path", req.Path,
			)
		}

		if attempt > 0 {
			rt.sink.TrackRetry(svc.Name())
		}

		resp, err := rt.dispatchOnce(ctx, svc, ep, req)
		if err == nil {
			resp.Endpoint = ep.Target()
			resp.Attempts = attempt + 1
			svc.RecordSuccess(ep)
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			// Caller cancellation; the endpoint is not to blame.
			break
		}
		svc.RecordFailure(ep)
		rt.logger.Warn("dispatch failed",
			"service", svc.Name(),
			"endpoint", ep.Target(),
			"attempt", attempt+1,
			"error", err,
		)

		if attempt+1 < attempts && !rt.sleepBackoff(ctx, attempt) {
			break
		}
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, lastErr
}

// dispatchOnce performs a single dispatch with the service's per-call
// deadline, bracketing activeConnections around the call. A zero timeout
// leaves only the request's own deadline in force.
func (rt *Router) dispatchOnce(ctx context.Context, svc *registry.Service, ep *registry.Endpoint, req *Request) (*Response, error) {
	callCtx := ctx
	if t := svc.Timeout(); t > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	ep.BeginRequest()
	defer ep.EndRequest()

	resp, err := rt.dispatcher.Dispatch(callCtx, ep.Target(), req)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &UpstreamTimeoutError{Service: svc.Name(), Endpoint: ep.Target(), Timeout: svc.Timeout()}
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, &UpstreamError{Service: svc.Name(), Endpoint: ep.Target(), Err: err}
	}

	if resp.Status >= 500 {
		return nil, &UpstreamError{Service: svc.Name(), Endpoint: ep.Target(), Status: resp.Status}
	}
	return resp, nil
}

// recordFailure settles a failed call: one breaker outcome, one stats
// sample, one sink signal. Cancellation still counts as a failure so a
// half-open probe claim is always released.
func (rt *Router) recordFailure(svc *registry.Service, req *Request, err error, latency time.Duration) {
	var te *UpstreamTimeoutError
	if errors.As(err, &te) {
		svc.Breaker().RecordTimeout()
	} else {
		svc.Breaker().RecordFailure()
	}
	svc.Stats().Record(millis(latency), false)
	rt.sink.TrackError(svc.Name(), req.Path, err)
	rt.logger.Error("route failed",
		"service", svc.Name(),
		"method", req.Method,
		"path", req.Path,
		"latency_ms", millis(latency),
		"error", err,
	)
}

func (rt *Router) runHooks(ctx context.Context, service string, req *Request) error {
	rt.hookMu.RLock()
	hooks := rt.hooks[service]
	rt.hookMu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// sleepBackoff waits min(cap, base·2^attempt) plus jitter in [0, base),
// honoring ctx. Returns false when ctx won the race.
func (rt *Router) sleepBackoff(ctx context.Context, attempt int) bool {
	d := rt.cfg.BackoffBase << attempt
	if d <= 0 || d > rt.cfg.BackoffCap {
		d = rt.cfg.BackoffCap
	}
	d += time.Duration(rand.Int64N(int64(rt.cfg.BackoffBase)))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
