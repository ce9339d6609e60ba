package router

import (
	"errors"
	"fmt"
	"time"
)

// NoHealthyEndpointError means the healthy view was empty and the degraded
// single attempt was already spent.
type NoHealthyEndpointError struct {
	Service string
}

func (e *NoHealthyEndpointError) Error() string {
	return fmt.Sprintf("service %q has no healthy endpoints", e.Service)
}

// UpstreamError covers transport failures and >=500 answers from an
// endpoint. Status is 0 for transport failures.
type UpstreamError struct {
	Service  string
	Endpoint string
	Status   int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s for service %q failed: %v", e.Endpoint, e.Service, e.Err)
	}
	return fmt.Sprintf("upstream %s for service %q answered status %d", e.Endpoint, e.Service, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// UpstreamTimeoutError means one dispatch exceeded the service's per-call
// deadline, or the request's own deadline when the service sets none.
type UpstreamTimeoutError struct {
	Service  string
	Endpoint string
	Timeout  time.Duration
}

func (e *UpstreamTimeoutError) Error() string {
	if e.Timeout <= 0 {
		return fmt.Sprintf("upstream %s for service %q exceeded the request deadline", e.Endpoint, e.Service)
	}
	return fmt.Sprintf("upstream %s for service %q exceeded %v", e.Endpoint, e.Service, e.Timeout)
}

// ConcurrencyLimitError means the service's bulkhead was full and the call
// was turned away before dispatch.
type ConcurrencyLimitError struct {
	Service string
	Limit   int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("service %q is at its concurrency limit of %d", e.Service, e.Limit)
}

// retryable reports whether err may be retried on another attempt.
// Breaker, admission, and resolution errors are terminal for the call.
func retryable(err error) bool {
	var ue *UpstreamError
	var te *UpstreamTimeoutError
	return errors.As(err, &ue) || errors.As(err, &te)
}
