package middleware

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/meshgate/meshgate/internal/apierror"
)

// Deadline returns middleware that applies a global request deadline to the
// entire middleware chain. If the deadline fires before the handler completes,
// a 504 Gateway Timeout is returned and any later handler writes are
// discarded. Pass 0 to disable (handler called directly).
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next // disabled
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			dw := &deadlineWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(dw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
				// Handler completed before the deadline.
			case <-ctx.Done():
				// Only write the 504 if the handler hasn't started a
				// response yet.
				if dw.claimDeadline() {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.UpstreamTimeout, "global request deadline exceeded")
				}
				// Wait for the handler goroutine to finish to avoid leaks.
				<-done
			}
		})
	}
}

// Response ownership states for deadlineWriter.
const (
	writerIdle int32 = iota
	writerHandler
	writerDeadline
)

// deadlineWriter wraps ResponseWriter and tracks which side owns the
// response. Once the deadline path claims it, handler writes are silently
// dropped so a late backend response can't append bytes after the 504 body.
type deadlineWriter struct {
	http.ResponseWriter
	state atomic.Int32
}

// claimDeadline marks the response as owned by the deadline path. It fails
// if the handler has already started writing.
func (dw *deadlineWriter) claimDeadline() bool {
	return dw.state.CompareAndSwap(writerIdle, writerDeadline)
}

func (dw *deadlineWriter) claimHandler() bool {
	return dw.state.CompareAndSwap(writerIdle, writerHandler) ||
		dw.state.Load() == writerHandler
}

func (dw *deadlineWriter) WriteHeader(code int) {
	if dw.claimHandler() {
		dw.ResponseWriter.WriteHeader(code)
	}
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	if dw.claimHandler() {
		return dw.ResponseWriter.Write(b)
	}
	return len(b), nil
}
