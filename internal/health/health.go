// Package health probes registered endpoints in the background and feeds
// the results into the endpoint state machine.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/registry"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultProbeInterval    = 30 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultRecoveryInterval = 60 * time.Second
)

// Config tunes the monitor's two loops. Zero fields fall back to the
// defaults.
type Config struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	RecoveryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = DefaultRecoveryInterval
	}
	return c
}

// Monitor drives the endpoint health state machine from the background.
// The probe loop watches endpoints in rotation; the recovery sweep
// re-probes endpoints taken out of rotation and is their only way back in,
// so a single lucky live request cannot flap state.
type Monitor struct {
	registry *registry.Registry
	client   *http.Client
	cfg      Config
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a stopped monitor. Call Start to launch the loops.
func New(reg *registry.Registry, cfg Config, logger *slog.Logger) *Monitor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: reg,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:      cfg,
		logger:   logger.With("component", "health"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe and recovery loops.
func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.loop(m.cfg.ProbeInterval, m.ProbeOnce)
	go m.loop(m.cfg.RecoveryInterval, m.RecoverOnce)
	m.logger.Info("health monitor started",
		"probe_interval", m.cfg.ProbeInterval.String(),
		"recovery_interval", m.cfg.RecoveryInterval.String(),
	)
}

// Stop terminates both loops and waits for in-flight probes to finish.
// Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) loop(interval time.Duration, sweep func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-m.stopCh:
			return
		}
	}
}

// ProbeOnce checks every endpoint currently in rotation. Exported so
// sweeps can be driven directly without waiting out the ticker.
func (m *Monitor) ProbeOnce() {
	m.sweep(func(ep *registry.Endpoint) bool {
		s := ep.State()
		return s == registry.StateRegistered || s == registry.StateHealthy
	})
}

// RecoverOnce re-probes every endpoint that is out of rotation.
func (m *Monitor) RecoverOnce() {
	m.sweep(func(ep *registry.Endpoint) bool {
		s := ep.State()
		return s == registry.StateUnhealthy || s == registry.StateError
	})
}

// sweep probes the endpoints selected by want concurrently and returns
// once every result has been folded in.
func (m *Monitor) sweep(want func(*registry.Endpoint) bool) {
	var wg sync.WaitGroup
	for _, svc := range m.registry.List() {
		for _, ep := range svc.Endpoints() {
			if !want(ep) {
				continue
			}
			wg.Add(1)
			go func(svc *registry.Service, ep *registry.Endpoint) {
				defer wg.Done()
				m.probe(svc, ep)
			}(svc, ep)
		}
	}
	wg.Wait()
}

func (m *Monitor) probe(svc *registry.Service, ep *registry.Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()

	probe := svc.Probe()
	if probe == nil {
		probe = m.httpProbe(svc.HealthPath())
	}

	before := ep.State()
	healthy, err := probe(ctx, ep.Target())
	svc.RecordProbe(ep, healthy, err)
	after := ep.State()

	if after == before {
		return
	}
	if after == registry.StateHealthy {
		m.logger.Info("endpoint back in rotation",
			"service", svc.Name(),
			"endpoint", ep.Target(),
			"from", before.String(),
		)
		return
	}
	m.logger.Warn("endpoint out of rotation",
		"service", svc.Name(),
		"endpoint", ep.Target(),
		"state", after.String(),
		"error", err,
	)
}

// httpProbe builds the default probe for a service: GET target+path, a 2xx
// answer is healthy, any other status is unhealthy, and a transport
// failure is a probe error.
func (m *Monitor) httpProbe(path string) registry.ProbeFunc {
	return func(ctx context.Context, target string) (bool, error) {
		url := strings.TrimSuffix(target, "/") + path
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, fmt.Errorf("build probe request: %w", err)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return false, err
		}
		// Drain a little so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
	}
}
