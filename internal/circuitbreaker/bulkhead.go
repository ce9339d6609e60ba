package circuitbreaker

// Bulkhead caps concurrent in-flight calls to one service. A nil Bulkhead
// admits everything, so callers never need to branch on whether the cap is
// configured.
type Bulkhead struct {
	slots chan struct{}
}

// NewBulkhead returns a bulkhead admitting up to maxConcurrent calls, or
// nil when maxConcurrent is not positive.
func NewBulkhead(maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		return nil
	}
	return &Bulkhead{slots: make(chan struct{}, maxConcurrent)}
}

// Acquire takes a slot without blocking.
func (b *Bulkhead) Acquire() bool {
	if b == nil {
		return true
	}
	select {
	case b.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot taken by Acquire.
func (b *Bulkhead) Release() {
	if b == nil {
		return
	}
	select {
	case <-b.slots:
	default:
	}
}

// Cap returns the configured concurrency limit, 0 when disabled.
func (b *Bulkhead) Cap() int {
	if b == nil {
		return 0
	}
	return cap(b.slots)
}

// InFlight returns the number of held slots.
func (b *Bulkhead) InFlight() int {
	if b == nil {
		return 0
	}
	return len(b.slots)
}
