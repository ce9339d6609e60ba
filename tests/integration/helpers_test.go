// Package integration exercises the assembled gateway end to end: real
// configuration loading, the full middleware chain on live listeners, and
// real HTTP upstreams. Every test builds its own gateway so scenarios
// cannot interfere with each other.
package integration

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/gateway"
	"github.com/meshgate/meshgate/internal/metrics"
	"github.com/meshgate/meshgate/internal/server"
)

// Claims the auth-enabled stacks accept.
const (
	jwtSecret   = "integration-test-secret-key-32chars!!"
	jwtIssuer   = "https://auth.example.com"
	jwtAudience = "meshgate-clients"
)

// The Prometheus default registry rejects double registration; one Init
// covers every stack in this package.
var metricsOnce sync.Once

var httpClient = &http.Client{Timeout: 10 * time.Second}

// stack is one fully assembled gateway with the data plane and ops plane
// on live listeners.
type stack struct {
	gw   *gateway.Gateway
	srv  *server.Server
	data *httptest.Server
	ops  *httptest.Server
}

type staticConfig struct{ cfg *config.Config }

func (p *staticConfig) Current() *config.Config { return p.cfg }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// startGateway builds a gateway from the YAML document and serves both
// planes. Teardown is registered on t.
func startGateway(t *testing.T, yamlCfg string) *stack {
	t.Helper()
	metricsOnce.Do(metrics.Init)

	cfg, err := config.LoadFromBytes([]byte(yamlCfg))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	logger := discardLogger()
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		t.Fatalf("building gateway: %v", err)
	}
	t.Cleanup(gw.Stop)

	srv := server.New(cfg, gw, &staticConfig{cfg: cfg}, logger)
	t.Cleanup(srv.Close)

	data := httptest.NewServer(srv.Handler())
	t.Cleanup(data.Close)
	ops := httptest.NewServer(srv.OpsHandler())
	t.Cleanup(ops.Close)

	return &stack{gw: gw, srv: srv, data: data, ops: ops}
}

// backend starts an upstream test server answering with h.
func backend(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

// echoHandler answers like cmd/echoserver: a JSON document echoing the
// request. hits, when non-nil, counts requests.
func echoHandler(service string, hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service": service,
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"headers": flattenHeaders(r.Header),
		})
	}
}

// statusHandler answers every request with the given status code.
func statusHandler(status int, hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.WriteHeader(status)
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// generateJWT signs an HS256 token the auth-enabled stacks accept. Scopes
// are space-separated per OAuth2 convention.
func generateJWT(t *testing.T, sub, scope string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"iss":   jwtIssuer,
		"aud":   jwtAudience,
		"exp":   time.Now().Add(ttl).Unix(),
		"scope": scope,
	})
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func httpGet(url string, headers map[string]string) (*http.Response, []byte, error) {
	return httpDo(http.MethodGet, url, nil, headers)
}

func httpDo(method, url string, body io.Reader, headers map[string]string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, b, nil
}

func parseJSON(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("response is not valid JSON: %v\nbody: %s", err, body)
	}
	return m
}

func assertStatusCode(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Errorf("expected status %d, got %d", want, resp.StatusCode)
	}
}

// assertErrorCode checks the code inside the gateway's error envelope.
func assertErrorCode(t *testing.T, body []byte, want string) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("error response is not valid JSON: %v\nbody: %s", err, body)
	}
	if envelope.Error.Code != want {
		t.Errorf("expected error code %s, got %s (body: %s)", want, envelope.Error.Code, body)
	}
}

func assertHeader(t *testing.T, resp *http.Response, key, want string) {
	t.Helper()
	if got := resp.Header.Get(key); got != want {
		t.Errorf("expected header %s=%q, got %q", key, want, got)
	}
}

func assertBodyContains(t *testing.T, body []byte, substr string) {
	t.Helper()
	if !strings.Contains(string(body), substr) {
		t.Errorf("expected body to contain %q, body: %s", substr, body)
	}
}
