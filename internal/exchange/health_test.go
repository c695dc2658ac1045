package exchange

import (
	"testing"
	"time"
)

func TestErrorRingCountsWithinWindow(t *testing.T) {
	r := newErrorRing(4)
	now := time.Now()
	r.record(now.Add(-10 * time.Minute))
	r.record(now.Add(-1 * time.Minute))
	r.record(now)

	count := r.countSince(now.Add(-5 * time.Minute))
	if count != 2 {
		t.Fatalf("countSince = %d, want 2", count)
	}
}

func TestErrorRingWrapsAtCapacity(t *testing.T) {
	r := newErrorRing(3)
	now := time.Now()
	for i := 0; i < 5; i++ {
		r.record(now)
	}
	count := r.countSince(now.Add(-time.Minute))
	if count != 3 {
		t.Fatalf("countSince = %d, want 3 (ring capacity), got wraparound mismatch", count)
	}
}

func TestCheckHealthReportsErrorAfterThreshold(t *testing.T) {
	c := &RESTClient{errs: newErrorRing(1000)}
	if err := c.CheckHealth(); err != nil {
		t.Fatalf("fresh client should be healthy, got %v", err)
	}

	for i := 0; i < 51; i++ {
		c.recordError()
	}
	if err := c.CheckHealth(); err == nil {
		t.Fatal("51 errors in the trailing window should report unhealthy")
	}
}
