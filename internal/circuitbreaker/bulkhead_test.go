package circuitbreaker

import (
	"sync"
	"testing"
)

func TestBulkhead_CapsConcurrency(t *testing.T) {
	bh := NewBulkhead(2)

	if !bh.Acquire() || !bh.Acquire() {
		t.Fatal("expected the first two acquires to succeed")
	}
	if bh.Acquire() {
		t.Fatal("expected the third acquire to be rejected")
	}
	if got := bh.InFlight(); got != 2 {
		t.Fatalf("expected 2 in flight, got %d", got)
	}

	bh.Release()
	if !bh.Acquire() {
		t.Fatal("expected acquire to succeed after a release")
	}
}

func TestBulkhead_NilAdmitsEverything(t *testing.T) {
	var bh *Bulkhead

	if !bh.Acquire() {
		t.Fatal("expected nil bulkhead to admit")
	}
	bh.Release()
	if bh.Cap() != 0 || bh.InFlight() != 0 {
		t.Fatal("expected nil bulkhead to report zero usage")
	}
}

func TestBulkhead_ZeroLimitDisabled(t *testing.T) {
	if bh := NewBulkhead(0); bh != nil {
		t.Fatal("expected nil bulkhead for a zero limit")
	}
}

func TestBulkhead_ConcurrentAcquireRelease(t *testing.T) {
	bh := NewBulkhead(4)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if bh.Acquire() {
					if got := bh.InFlight(); got > 4 {
						t.Errorf("in flight exceeded cap: %d", got)
					}
					bh.Release()
				}
			}
		}()
	}
	wg.Wait()

	if got := bh.InFlight(); got != 0 {
		t.Fatalf("expected all slots released, got %d", got)
	}
}
