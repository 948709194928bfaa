package commenthub

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 10 * time.Millisecond)) {
			t.Fatalf("event %d denied under the limit", i)
		}
	}
	if rl.Allow(base.Add(40 * time.Millisecond)) {
		t.Fatal("event over the limit allowed")
	}

	// The oldest event slides out of the window.
	if !rl.Allow(base.Add(time.Second + 5*time.Millisecond)) {
		t.Fatal("event denied after the window slid")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults = (%d, %v), want (%d, %v)", rl.limit, rl.window, rateLimitEvents, rateLimitWindow)
	}
}
