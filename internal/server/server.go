// Package server assembles the gateway's HTTP surfaces: the data-plane
// listener that carries proxied traffic through the middleware chain, and
// the ops listener serving liveness, readiness, Prometheus metrics, and
// the admin API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/admin"
	"github.com/meshgate/meshgate/internal/admission"
	"github.com/meshgate/meshgate/internal/apierror"
	"github.com/meshgate/meshgate/internal/auth"
	"github.com/meshgate/meshgate/internal/circuitbreaker"
	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/gateway"
	"github.com/meshgate/meshgate/internal/metrics"
	"github.com/meshgate/meshgate/internal/middleware"
	"github.com/meshgate/meshgate/internal/registry"
	"github.com/meshgate/meshgate/internal/router"
	"github.com/meshgate/meshgate/internal/tlsutil"
)

// readinessCacheTTL bounds how often /ready recomputes the registry scan.
// Load balancers probe aggressively; the answer rarely changes that fast.
const readinessCacheTTL = time.Second

// Server owns both listeners and the middleware chain around the gateway.
type Server struct {
	cfg       *config.Config
	gw        *gateway.Gateway
	limiter   *admission.Limiter
	validator *auth.Validator
	logger    *slog.Logger

	data   http.Handler
	ops    http.Handler
	loader *tlsutil.CertLoader

	readyMu sync.Mutex
	readyAt time.Time
	readyOK bool
}

// New assembles the handlers. provider hands the admin API the current
// configuration; pass the hot reloader in production.
func New(cfg *config.Config, gw *gateway.Gateway, provider admin.ConfigProvider, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		gw:        gw,
		limiter:   admission.New(cfg.Admission, cfg.Server.TrustedProxies, logger),
		validator: auth.NewValidator(cfg.Auth, logger),
		logger:    logger,
	}
	s.data = s.buildDataHandler()
	s.ops = s.buildOpsHandler(provider)
	return s
}

// Handler returns the data-plane handler. Exposed for in-process tests.
func (s *Server) Handler() http.Handler { return s.data }

// OpsHandler returns the operational handler (health, readiness, metrics,
// admin API). Exposed for in-process tests.
func (s *Server) OpsHandler() http.Handler { return s.ops }

// Close releases background resources. Only needed when the handlers are
// used directly without Run; Run stops them on shutdown.
func (s *Server) Close() { s.limiter.Stop() }

// ApplyConfig applies the hot-reloadable subset of a new configuration:
// admission limits and endpoint weights. Everything else requires a
// restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.limiter.UpdateConfig(cfg.Admission)
	s.gw.ApplyConfig(cfg)
}

func (s *Server) buildDataHandler() http.Handler {
	var handler http.Handler = http.HandlerFunc(s.handleProxy)
	handler = s.validator.Middleware(s.gw.RequiresAuth)(handler)
	handler = s.limiter.Middleware()(handler)
	handler = middleware.Deadline(s.cfg.Server.GlobalTimeout)(handler)
	handler = middleware.BodyLimit(s.cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Logging(s.logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.Recovery(s.logger)(handler)
	return handler
}

func (s *Server) buildOpsHandler(provider admin.ConfigProvider) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	if s.cfg.Metrics.IsEnabled() {
		mux.Handle("GET "+s.cfg.Metrics.Path, metrics.Handler())
	}
	if s.cfg.Admin.Enabled {
		h := admin.New(s.gw, provider, s.validator, s.cfg.Admin.IPAllowlist, s.logger)
		h.RegisterRoutes(mux)
	}
	return mux
}

// handleProxy converts the inbound request, routes it through the gateway,
// and replays the upstream answer.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				middleware.WriteBodyLimitError(w, r)
				return
			}
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Internal, "reading request body")
			return
		}
	}

	header := r.Header.Clone()
	appendForwardHeaders(header, r)

	resp, err := s.gw.Route(r.Context(), &router.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: header,
		Body:   body,
	})
	if err != nil {
		s.writeRouteError(w, r, err)
		return
	}

	for k, vv := range resp.Header {
		// The body was buffered and possibly truncated; the upstream
		// length no longer applies.
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if resp.FromCache {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("X-Gateway-Latency-Ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	w.WriteHeader(resp.Status)
	w.Write(resp.Body) //nolint:errcheck
}

// appendForwardHeaders records the hop in the X-Forwarded-* chain. Proto
// and Host are only set when absent so an upstream proxy's values survive.
func appendForwardHeaders(h http.Header, r *http.Request) {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
	if h.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		h.Set("X-Forwarded-Proto", proto)
	}
	if h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
}

// writeRouteError maps routing failures onto the error envelope.
func (s *Server) writeRouteError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound    *registry.ServiceNotFoundError
		noHealthy   *router.NoHealthyEndpointError
		breakerOpen *circuitbreaker.OpenError
		timedOut    *router.UpstreamTimeoutError
		overLimit   *router.ConcurrencyLimitError
		upstream    *router.UpstreamError
	)
	switch {
	case errors.As(err, &notFound):
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.ServiceNotFound, apierror.MsgServiceNotFound)
	case errors.As(err, &noHealthy):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.NoHealthyEndpoint, apierror.MsgNoHealthyEndpoint)
	case errors.As(err, &breakerOpen):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, apierror.MsgCircuitOpen)
	case errors.As(err, &timedOut):
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.UpstreamTimeout, apierror.MsgUpstreamTimeout)
	case errors.As(err, &overLimit):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.ConcurrencyLimited, apierror.MsgConcurrencyLimited)
	case errors.As(err, &upstream):
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamError, apierror.MsgUpstreamError)
	case errors.Is(err, context.Canceled):
		// The client went away; there is nobody to answer.
	default:
		s.logger.Error("unclassified routing error", "error", err, "path", r.URL.Path)
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamError, apierror.MsgUpstreamError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.readyMu.Lock()
	if time.Since(s.readyAt) >= readinessCacheTTL {
		s.readyOK = s.gw.Ready()
		s.readyAt = time.Now()
	}
	ready := s.readyOK
	s.readyMu.Unlock()

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Run starts both listeners and blocks until ctx is cancelled or a
// listener fails, then drains in-flight requests within the shutdown
// timeout.
func (s *Server) Run(ctx context.Context) error {
	dataSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.data,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	opsSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.OpsPort),
		Handler:      s.ops,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	if s.cfg.Server.TLS.Enabled {
		tc, loader, err := tlsutil.Build(s.cfg.Server.TLS, s.logger)
		if err != nil {
			return fmt.Errorf("configuring TLS: %w", err)
		}
		s.loader = loader
		dataSrv.TLSConfig = tc
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("data listener starting", "addr", dataSrv.Addr, "tls", s.cfg.Server.TLS.Enabled)
		var err error
		if dataSrv.TLSConfig != nil {
			err = dataSrv.ListenAndServeTLS("", "")
		} else {
			err = dataSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("data listener: %w", err)
		}
	}()
	go func() {
		s.logger.Info("ops listener starting", "addr", opsSrv.Addr)
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ops listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("draining in-flight requests", "timeout", s.cfg.Server.ShutdownTimeout)
		return s.shutdown(dataSrv, opsSrv)
	case err := <-errCh:
		s.shutdown(dataSrv, opsSrv) //nolint:errcheck
		return err
	}
}

func (s *Server) shutdown(servers ...*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.loader != nil {
		s.loader.Stop()
	}
	s.limiter.Stop()
	return firstErr
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
