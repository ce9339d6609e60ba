// Package admin provides the gateway's operational API: inspection of
// services, health, metrics, configuration, and recent events, plus
// breaker resets and endpoint weight updates. Every endpoint sits behind
// an IP allowlist; mutations additionally require a token carrying the
// admin scope when auth is enabled.
package admin

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/meshgate/meshgate/internal/apierror"
	"github.com/meshgate/meshgate/internal/auth"
	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/gateway"
	"github.com/meshgate/meshgate/internal/registry"
)

// maxBodyBytes bounds admin request bodies. Weight maps are small; anything
// bigger is a mistake.
const maxBodyBytes = 1 << 20

// defaultEventLimit applies when /admin/events is called without a limit.
const defaultEventLimit = 50

// ConfigProvider hands out the current configuration. The hot reloader
// implements it.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler serves the admin API.
type Handler struct {
	gw          *gateway.Gateway
	provider    ConfigProvider
	validator   *auth.Validator
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates the admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(gw *gateway.Gateway, provider ConfigProvider, validator *auth.Validator, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		gw:          gw,
		provider:    provider,
		validator:   validator,
		allowedNets: nets,
		logger:      logger.With("component", "admin"),
	}
}

// RegisterRoutes adds the admin routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/services", h.guard(h.servicesHandler))
	mux.HandleFunc("GET /admin/health", h.guard(h.healthHandler))
	mux.HandleFunc("GET /admin/metrics", h.guard(h.metricsHandler))
	mux.HandleFunc("GET /admin/events", h.guard(h.eventsHandler))
	mux.HandleFunc("GET /admin/config", h.guard(h.configHandler))
	mux.HandleFunc("POST /admin/services/{name}/breaker/reset", h.guardAdmin(h.breakerResetHandler))
	mux.HandleFunc("PUT /admin/services/{name}/weights", h.guardAdmin(h.weightsHandler))
}

// guard wraps an endpoint with the IP allowlist check.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AdminForbidden, "client address not allowlisted")
			return
		}
		next(w, r)
	}
}

// guardAdmin layers the mutation requirement on top of guard: when auth is
// enabled, the request must carry a valid token with the admin scope.
func (h *Handler) guardAdmin(next http.HandlerFunc) http.HandlerFunc {
	return h.guard(func(w http.ResponseWriter, r *http.Request) {
		if h.validator.Enabled() {
			claims, err := h.validator.ValidateRequest(r)
			if err != nil {
				h.logger.Warn("admin auth failure", "error", err, "path", r.URL.Path)
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.Unauthorized, apierror.MsgMissingToken)
				return
			}
			if !claims.HasScope(auth.AdminScope) {
				apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "token lacks the "+auth.AdminScope+" scope")
				return
			}
		}
		next(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
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

func (h *Handler) servicesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": h.gw.Services()})
}

func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": h.gw.Health()})
}

func (h *Handler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Metrics())
}

func (h *Handler) eventsHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if v := parseInt(l); v > 0 {
			limit = v
		}
	}
	events := h.gw.Events(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.provider.Current()

	// Shallow copy and redact secrets.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) breakerResetHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.gw.ResetBreaker(name); err != nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.ServiceNotFound, err.Error())
		return
	}
	h.logger.Info("breaker reset via admin API", "service", name, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "reset",
		"service": name,
	})
}

// weightsRequest is the PUT /admin/services/{name}/weights body.
type weightsRequest struct {
	Weights map[string]int `json:"weights"`
}

func (h *Handler) weightsHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Internal, "reading request body")
		return
	}
	var req weightsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Internal, "invalid JSON body")
		return
	}
	if len(req.Weights) == 0 {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Internal, "weights map is required")
		return
	}

	if err := h.gw.UpdateWeights(name, req.Weights); err != nil {
		var nfe *registry.ServiceNotFoundError
		if errors.As(err, &nfe) {
			apierror.WriteJSON(w, r, http.StatusNotFound, apierror.ServiceNotFound, err.Error())
			return
		}
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.Internal, err.Error())
		return
	}

	h.logger.Info("endpoint weights updated via admin API",
		"service", name,
		"endpoints", len(req.Weights),
		"client_ip", extractIP(r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "updated",
		"service": name,
		"weights": req.Weights,
	})
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
