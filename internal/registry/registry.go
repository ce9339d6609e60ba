// Package registry holds the services the gateway routes to, their
// endpoints, and the path-to-service mapping.
package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/event"
)

const (
	// DefaultRouteCacheTTL bounds how long memoized path resolutions are
	// served before the table is rebuilt.
	DefaultRouteCacheTTL = time.Minute
	// routeCacheMaxEntries caps the memoization table so unique paths
	// cannot grow it without bound.
	routeCacheMaxEntries = 4096
)

// Registry is the authoritative set of registered services.
type Registry struct {
	logger *slog.Logger
	bus    *event.Bus

	mu       sync.RWMutex
	services map[string]*Service

	routeMu     sync.Mutex
	routes      map[string]string
	routesBuilt time.Time
	routeTTL    time.Duration
}

// New returns an empty registry. bus may be nil.
func New(logger *slog.Logger, bus *event.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "registry"),
		bus:      bus,
		services: make(map[string]*Service),
		routeTTL: DefaultRouteCacheTTL,
	}
}

// SetRouteCacheTTL adjusts how long memoized path resolutions are served.
// Exported so tests can exercise expiry without waiting out the default.
func (r *Registry) SetRouteCacheTTL(d time.Duration) {
	r.routeMu.Lock()
	r.routeTTL = d
	r.routeMu.Unlock()
}

// Register adds a service. The name must be unused and every path prefix
// must not collide with an already registered one.
func (r *Registry) Register(cfg ServiceConfig) (*Service, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.services[cfg.Name]; exists {
		r.mu.Unlock()
		return nil, &DuplicateServiceError{Name: cfg.Name}
	}
	for _, svc := range r.services {
		for _, have := range svc.pathPrefixes {
			for _, want := range cfg.PathPrefixes {
				if have == want {
					r.mu.Unlock()
					return nil, &DuplicateServiceError{Name: cfg.Name, Prefix: want, Owner: svc.name}
				}
			}
		}
	}
	svc := newService(cfg, r.logger, r.bus)
	r.services[cfg.Name] = svc
	r.mu.Unlock()

	r.flushRoutes()
	r.publish(event.ServiceRegistered, cfg.Name)
	r.logger.Info("service registered",
		"service", cfg.Name,
		"endpoints", len(cfg.Endpoints),
		"strategy", string(cfg.Strategy),
	)
	return svc, nil
}

// Unregister removes a service. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, existed := r.services[name]
	delete(r.services, name)
	r.mu.Unlock()

	if !existed {
		return
	}
	r.flushRoutes()
	r.publish(event.ServiceUnregistered, name)
	r.logger.Info("service unregistered", "service", name)
}

// Lookup returns the service registered under name.
func (r *Registry) Lookup(name string) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	if !ok {
		return nil, &ServiceNotFoundError{Name: name}
	}
	return svc, nil
}

// List returns all services ordered by name.
func (r *Registry) List() []*Service {
	r.mu.RLock()
	out := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// ResolveByPath maps a request path to the service owning the longest
// matching prefix. Resolutions are memoized until the route cache expires
// or the registry changes.
func (r *Registry) ResolveByPath(path string) (*Service, bool) {
	if name, ok := r.cachedRoute(path); ok {
		if svc, err := r.Lookup(name); err == nil {
			return svc, true
		}
	}

	r.mu.RLock()
	var best *Service
	bestLen := -1
	for _, svc := range r.services {
		for _, prefix := range svc.pathPrefixes {
			if matchesPrefix(path, prefix) && len(prefix) > bestLen {
				best = svc
				bestLen = len(prefix)
			}
		}
	}
	r.mu.RUnlock()

	if best == nil {
		return nil, false
	}
	r.storeRoute(path, best.name)
	return best, true
}

func (r *Registry) cachedRoute(path string) (string, bool) {
	r.routeMu.Lock()
	defer r.routeMu.Unlock()
	if r.routes == nil {
		return "", false
	}
	if time.Since(r.routesBuilt) > r.routeTTL {
		r.routes = nil
		return "", false
	}
	name, ok := r.routes[path]
	return name, ok
}

func (r *Registry) storeRoute(path, name string) {
	r.routeMu.Lock()
	defer r.routeMu.Unlock()
	if r.routes == nil {
		r.routes = make(map[string]string)
		r.routesBuilt = time.Now()
	}
	if len(r.routes) >= routeCacheMaxEntries {
		return
	}
	r.routes[path] = name
}

func (r *Registry) flushRoutes() {
	r.routeMu.Lock()
	r.routes = nil
	r.routeMu.Unlock()
}

func (r *Registry) publish(t event.Type, service string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.Event{Type: t, Service: service})
}

// matchesPrefix reports whether path falls under prefix on a path-segment
// boundary, so /api/users matches /api/users/42 but never /api/users2.
func matchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
