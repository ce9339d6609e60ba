// Package circuitbreaker guards upstream services against cascading
// failure by cutting traffic to services whose recent calls keep failing.
package circuitbreaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/event"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults applied by Config.withDefaults.
const (
	DefaultWindowSize        = 20
	DefaultVolumeThreshold   = 10
	DefaultErrorThresholdPct = 50
	DefaultResetTimeout      = 30 * time.Second
	DefaultTimeoutTripLimit  = 5
)

// Config tunes one breaker. Zero fields fall back to the defaults;
// MaxConcurrent stays 0, which disables the bulkhead.
type Config struct {
	WindowSize        int
	VolumeThreshold   int
	ErrorThresholdPct float64
	ResetTimeout      time.Duration
	TimeoutTripLimit  int
	MaxConcurrent     int
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = DefaultVolumeThreshold
	}
	if c.ErrorThresholdPct <= 0 {
		c.ErrorThresholdPct = DefaultErrorThresholdPct
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.TimeoutTripLimit <= 0 {
		c.TimeoutTripLimit = DefaultTimeoutTripLimit
	}
	return c
}

// OpenError is returned for calls rejected while the breaker denies
// admission.
type OpenError struct {
	Service string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for service %q is open", e.Service)
}

// Counts is a snapshot of the cumulative outcome totals. The window reset
// on state changes never touches these.
type Counts struct {
	Successes  uint64 `json:"successes"`
	Failures   uint64 `json:"failures"`
	Timeouts   uint64 `json:"timeouts"`
	Rejections uint64 `json:"rejections"`
}

type callOutcome int

const (
	outcomeSuccess callOutcome = iota
	outcomeFailure
	outcomeTimeout
)

// Breaker tracks the rolling outcome window for one service and decides
// whether new calls may proceed.
//
// Trip conditions, evaluated after every recorded outcome while closed:
// the window holds at least VolumeThreshold calls and the failure share
// reaches ErrorThresholdPct, or TimeoutTripLimit calls in a row timed out.
// After ResetTimeout in the open state a single probe call is admitted; its
// outcome closes or re-opens the breaker.
type Breaker struct {
	service string
	cfg     Config
	logger  *slog.Logger
	bus     *event.Bus

	mu             sync.Mutex
	state          State
	window         []bool // true marks a failed call
	head           int
	count          int
	failures       int
	consecTimeouts int
	openedAt       time.Time
	probing        bool

	successTotal  uint64
	failureTotal  uint64
	timeoutTotal  uint64
	rejectedTotal uint64
}

// New builds a closed breaker for service. bus may be nil when nothing
// consumes transitions.
func New(service string, cfg Config, logger *slog.Logger, bus *event.Bus) *Breaker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		service: service,
		cfg:     cfg,
		logger:  logger.With("component", "circuitbreaker", "service", service),
		bus:     bus,
		window:  make([]bool, cfg.WindowSize),
	}
}

// Allow reports whether a call may proceed. In the half-open state the
// first caller claims the single probe slot; everyone else is rejected
// until the probe outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.transitionLocked(StateHalfOpen)
			b.probing = true
			return true
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
	}
	b.rejectedTotal++
	return false
}

// RecordSuccess notes a completed call.
func (b *Breaker) RecordSuccess() { b.record(outcomeSuccess) }

// RecordFailure notes a failed call.
func (b *Breaker) RecordFailure() { b.record(outcomeFailure) }

// RecordTimeout notes a call that exceeded its deadline. Timeouts count as
// failures in the window and additionally trip the breaker when too many
// arrive in a row.
func (b *Breaker) RecordTimeout() { b.record(outcomeTimeout) }

// RecordRejection counts a call turned away before dispatch by a limit
// other than the breaker itself, such as the bulkhead. Rejections never
// enter the rolling window.
func (b *Breaker) RecordRejection() {
	b.mu.Lock()
	b.rejectedTotal++
	b.mu.Unlock()
}

func (b *Breaker) record(o callOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch o {
	case outcomeSuccess:
		b.successTotal++
		b.consecTimeouts = 0
	case outcomeFailure:
		b.failureTotal++
		b.consecTimeouts = 0
	case outcomeTimeout:
		b.timeoutTotal++
		b.consecTimeouts++
	}

	switch b.state {
	case StateHalfOpen:
		// The probe outcome decides where the breaker goes next.
		b.probing = false
		if o == outcomeSuccess {
			b.transitionLocked(StateClosed)
		} else {
			b.transitionLocked(StateOpen)
		}
		return
	case StateOpen:
		// Late results from calls admitted before the trip. Totals are
		// kept, the window is not touched.
		return
	}

	failed := o != outcomeSuccess
	if b.count == len(b.window) {
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.window[b.head] = failed
	if failed {
		b.failures++
	}
	b.head = (b.head + 1) % len(b.window)

	if b.shouldTripLocked() {
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) shouldTripLocked() bool {
	if b.consecTimeouts >= b.cfg.TimeoutTripLimit {
		return true
	}
	if b.count < b.cfg.VolumeThreshold {
		return false
	}
	pct := float64(b.failures) / float64(b.count) * 100
	return pct >= b.cfg.ErrorThresholdPct
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next

	switch next {
	case StateOpen:
		b.openedAt = time.Now()
		b.probing = false
	case StateClosed:
		b.resetWindowLocked()
	}

	b.logger.Info("circuit breaker state change",
		"from", prev.String(),
		"to", next.String(),
		"window_failures", b.failures,
		"window_count", b.count,
	)

	if b.bus == nil {
		return
	}
	var t event.Type
	switch next {
	case StateOpen:
		t = event.BreakerOpened
	case StateHalfOpen:
		t = event.BreakerHalfOpen
	default:
		t = event.BreakerClosed
	}
	b.bus.Publish(event.Event{
		Type:    t,
		Service: b.service,
		Detail:  prev.String() + " -> " + next.String(),
	})
}

func (b *Breaker) resetWindowLocked() {
	for i := range b.window {
		b.window[i] = false
	}
	b.head = 0
	b.count = 0
	b.failures = 0
	b.consecTimeouts = 0
	b.probing = false
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears the rolling window. Meant for
// operators; cumulative totals are preserved.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetWindowLocked()
	b.transitionLocked(StateClosed)
}

// Counts returns the cumulative outcome totals.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		Successes:  b.successTotal,
		Failures:   b.failureTotal,
		Timeouts:   b.timeoutTotal,
		Rejections: b.rejectedTotal,
	}
}
