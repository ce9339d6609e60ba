package router

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is one call through the gateway, already freed from its HTTP
// envelope so the router stays transport-neutral.
type Request struct {
	// Service names the target explicitly; empty resolves by path.
	Service string
	Method  string
	Path    string
	Query   string
	Header  http.Header
	Body    []byte
}

// Response carries the upstream answer plus routing metadata.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	FromCache bool
	Endpoint  string
	Attempts  int
}

// Dispatcher performs a single attempt against a single endpoint. The
// router owns retries, timeouts wrap the passed context.
type Dispatcher interface {
	Dispatch(ctx context.Context, target string, req *Request) (*Response, error)
}

// DefaultMaxResponseBytes bounds how much of an upstream body a dispatch
// will buffer.
const DefaultMaxResponseBytes = 16 << 20

// Hop-by-hop headers are meaningful per connection and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPDispatcher dispatches over a pooled transport shared by all
// services.
type HTTPDispatcher struct {
	client           *http.Client
	maxResponseBytes int64
}

// NewHTTPDispatcher builds a dispatcher with connection pooling. Per-call
// deadlines come from the context, so the client itself has no timeout.
func NewHTTPDispatcher() *HTTPDispatcher {
	return &HTTPDispatcher{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        256,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxResponseBytes: DefaultMaxResponseBytes,
	}
}

// NewHTTPDispatcherWithLimit builds a dispatcher that buffers at most
// maxResponseBytes of each upstream body. Zero or negative selects the
// default.
func NewHTTPDispatcherWithLimit(maxResponseBytes int64) *HTTPDispatcher {
	d := NewHTTPDispatcher()
	if maxResponseBytes > 0 {
		d.maxResponseBytes = maxResponseBytes
	}
	return d
}

// Dispatch sends req to target and buffers the whole answer so the router
// can cache and replay it.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, target string, req *Request) (*Response, error) {
	url := strings.TrimSuffix(target, "/") + req.Path
	if req.Query != "" {
		url += "?" + req.Query
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(hr.Header, req.Header)

	resp, err := d.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, d.maxResponseBytes))
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)
	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   buf,
	}, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
