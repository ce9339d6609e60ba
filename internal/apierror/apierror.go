// Package apierror provides the gateway's error response format. All
// components use WriteJSON to produce consistent, machine-readable error
// bodies with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. These form a public API contract; clients program
// against them. Do not rename or remove existing codes.
const (
	ServiceNotFound    ErrorCode = "GATEWAY_SERVICE_NOT_FOUND"
	NoHealthyEndpoint  ErrorCode = "GATEWAY_NO_HEALTHY_ENDPOINT"
	CircuitOpen        ErrorCode = "GATEWAY_CIRCUIT_OPEN"
	UpstreamTimeout    ErrorCode = "GATEWAY_UPSTREAM_TIMEOUT"
	UpstreamError      ErrorCode = "GATEWAY_UPSTREAM_ERROR"
	ConcurrencyLimited ErrorCode = "GATEWAY_CONCURRENCY_LIMITED"
	RateLimited        ErrorCode = "GATEWAY_RATE_LIMITED"
	Unauthorized       ErrorCode = "GATEWAY_UNAUTHORIZED"
	Forbidden          ErrorCode = "GATEWAY_FORBIDDEN"
	RequestTooLarge    ErrorCode = "GATEWAY_REQUEST_TOO_LARGE"
	AdminForbidden     ErrorCode = "GATEWAY_ADMIN_FORBIDDEN"
	Internal           ErrorCode = "GATEWAY_INTERNAL"
)

// Canonical messages for the hot-path errors. WriteJSON serves these from
// pre-built bodies when no request ID needs to be attached.
const (
	MsgServiceNotFound    = "no service matches the request path"
	MsgNoHealthyEndpoint  = "no healthy endpoints available"
	MsgCircuitOpen        = "circuit breaker open"
	MsgUpstreamTimeout    = "upstream request timed out"
	MsgUpstreamError      = "upstream service unavailable"
	MsgConcurrencyLimited = "service concurrency limit reached"
	MsgRateLimited        = "rate limit exceeded, retry later"
	MsgMissingToken       = "missing or malformed Authorization header"
)

// ErrorBody is the inner error object.
type ErrorBody struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// ErrorResponse is the standardized gateway error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preServiceNotFound    = mustMarshal(ServiceNotFound, MsgServiceNotFound)
	preNoHealthyEndpoint  = mustMarshal(NoHealthyEndpoint, MsgNoHealthyEndpoint)
	preCircuitOpen        = mustMarshal(CircuitOpen, MsgCircuitOpen)
	preUpstreamTimeout    = mustMarshal(UpstreamTimeout, MsgUpstreamTimeout)
	preUpstreamError      = mustMarshal(UpstreamError, MsgUpstreamError)
	preConcurrencyLimited = mustMarshal(ConcurrencyLimited, MsgConcurrencyLimited)
	preRateLimited        = mustMarshal(RateLimited, MsgRateLimited)
	preMissingToken       = mustMarshal(Unauthorized, MsgMissingToken)
)

func mustMarshal(code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For the canonical
// code+message combinations, pre-serialized bodies are used (no
// allocation). When a request ID is available (from the X-Request-ID
// header), it is included in the response. The request parameter may be
// nil for contexts where the request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}})
}

// preSerialized returns a pre-built response body for the canonical error
// combinations, or nil if no match.
func preSerialized(code ErrorCode, message string) []byte {
	switch {
	case code == ServiceNotFound && message == MsgServiceNotFound:
		return preServiceNotFound
	case code == NoHealthyEndpoint && message == MsgNoHealthyEndpoint:
		return preNoHealthyEndpoint
	case code == CircuitOpen && message == MsgCircuitOpen:
		return preCircuitOpen
	case code == UpstreamTimeout && message == MsgUpstreamTimeout:
		return preUpstreamTimeout
	case code == UpstreamError && message == MsgUpstreamError:
		return preUpstreamError
	case code == ConcurrencyLimited && message == MsgConcurrencyLimited:
		return preConcurrencyLimited
	case code == RateLimited && message == MsgRateLimited:
		return preRateLimited
	case code == Unauthorized && message == MsgMissingToken:
		return preMissingToken
	}
	return nil
}
