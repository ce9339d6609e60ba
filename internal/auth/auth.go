// Package auth provides JWT Bearer token validation for the gateway's
// data plane and admin API.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshgate/meshgate/internal/apierror"
	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/metrics"
)

type contextKey string

// ClaimsKey is the context key used to store validated JWT claims.
const ClaimsKey contextKey = "jwt_claims"

// AdminScope is the scope required for admin API mutations.
const AdminScope = "gateway:admin"

// Claims represents the validated JWT claims injected into the request
// context.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience string   `json:"aud"`
	Scopes   []string `json:"scopes"`
}

// HasScope reports whether the token carries the given scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator checks bearer tokens against the configured issuer, audience,
// and signing secret.
type Validator struct {
	cfg    config.AuthConfig
	logger *slog.Logger
}

// NewValidator creates a Validator. The zero-value AuthConfig (disabled)
// produces a validator whose middleware passes everything through.
func NewValidator(cfg config.AuthConfig, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{cfg: cfg, logger: logger.With("component", "auth")}
}

// Enabled reports whether token validation is configured.
func (v *Validator) Enabled() bool { return v.cfg.Enabled }

// Middleware returns an HTTP middleware that validates JWT Bearer tokens
// on paths for which requiresAuth returns true. Validated claims are
// stored in the request context under ClaimsKey.
func (v *Validator) Middleware(requiresAuth func(path string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.cfg.Enabled || !requiresAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := v.ValidateRequest(r)
			if err != nil {
				v.logger.Warn("auth failure", "error", err, "path", r.URL.Path)
				if err == errMissingToken {
					metrics.AuthFailures.WithLabelValues("missing_token").Inc()
					apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.Unauthorized, apierror.MsgMissingToken)
					return
				}
				metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.Unauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

var errMissingToken = fmt.Errorf("missing or malformed Authorization header")

// ValidateRequest extracts and validates the request's bearer token.
// Exported for the admin API, which checks scopes itself.
func (v *Validator) ValidateRequest(r *http.Request) (*Claims, error) {
	tokenStr, ok := extractBearerToken(r)
	if !ok {
		return nil, errMissingToken
	}
	return v.validateToken(tokenStr)
}

func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func (v *Validator) validateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{}

	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if iss, ok := mapClaims["iss"].(string); ok {
		claims.Issuer = iss
	}

	// Audience can be a string or a list.
	switch aud := mapClaims["aud"].(type) {
	case string:
		claims.Audience = aud
	case []interface{}:
		if len(aud) > 0 {
			if s, ok := aud[0].(string); ok {
				claims.Audience = s
			}
		}
	}

	// Scopes are a space-separated string per OAuth2 convention.
	if scopeStr, ok := mapClaims["scope"].(string); ok {
		claims.Scopes = strings.Fields(scopeStr)
	}

	return claims, nil
}
