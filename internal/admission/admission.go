// Package admission provides per-client token bucket rate limiting ahead
// of routing.
package admission

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshgate/meshgate/internal/apierror"
	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/metrics"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks per-client rate limiters and periodically drops clients
// that have gone idle for longer than the configured TTL.
type Limiter struct {
	mu           sync.RWMutex
	enabled      bool
	clients      map[string]*client
	rate         rate.Limit
	burst        int
	clientTTL    time.Duration
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// New creates a Limiter with the given settings. trustedProxies is a list
// of CIDR strings (e.g. "10.0.0.0/8") whose X-Forwarded-For headers are
// trusted. It starts a background goroutine that evicts idle clients.
func New(cfg config.AdmissionConfig, trustedProxies []string, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.ClientTTL
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	l := &Limiter{
		enabled:      cfg.Enabled,
		clients:      make(map[string]*client),
		rate:         rate.Limit(cfg.RequestsPerSecond),
		burst:        cfg.Burst,
		clientTTL:    ttl,
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger.With("component", "admission"),
		stopCh:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine. Safe to call twice.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// UpdateConfig hot-reloads the rate limit settings. Existing per-client
// buckets are cleared so the new limits take effect immediately.
func (l *Limiter) UpdateConfig(cfg config.AdmissionConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.enabled = cfg.Enabled
	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.Burst
	if cfg.ClientTTL > 0 {
		l.clientTTL = cfg.ClientTTL
	}
	l.clients = make(map[string]*client)
}

// Middleware returns an HTTP middleware that enforces the rate limit.
// When admission is disabled, requests pass straight through.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l.mu.RLock()
			enabled := l.enabled
			l.mu.RUnlock()
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			ip := l.clientIP(r)

			if !l.getLimiter(ip).Allow() {
				l.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.RateLimitHits.Inc()

				l.mu.RLock()
				perSecond := float64(l.rate)
				l.mu.RUnlock()
				if perSecond > 0 {
					w.Header().Set("Retry-After", strconv.FormatFloat(1.0/perSecond, 'f', 0, 64))
				}
				apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimited, apierror.MsgRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the real client IP. X-Forwarded-For is only trusted
// when the direct peer (RemoteAddr) is in the trusted proxies list.
func (l *Limiter) clientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(l.trustedCIDRs) > 0 && l.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Walk right-to-left, return the first non-trusted IP.
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !l.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (l *Limiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range l.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// getLimiter returns or creates the rate limiter for ip. Read-lock for
// existing clients (the common path), write-lock only for insertions.
// rate.Limiter is internally goroutine-safe so Allow() does not need to be
// called under our lock.
func (l *Limiter) getLimiter(ip string) *rate.Limiter {
	l.mu.RLock()
	if c, exists := l.clients[ip]; exists {
		// Avoid time.Now() on every hit: refreshing lastSeen once per
		// third of the TTL is enough to prevent eviction.
		if time.Since(c.lastSeen) > l.clientTTL/3 {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock.
	if c, exists := l.clients[ip]; exists {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	l.clients[ip] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (l *Limiter) cleanup() {
	interval := l.clientTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for ip, c := range l.clients {
				if time.Since(c.lastSeen) > l.clientTTL {
					delete(l.clients, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Len reports the number of tracked clients. Used by tests and the admin
// health view.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}
