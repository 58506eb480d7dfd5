package frame

import (
	"sync"
	"time"
)

// DefaultMinInterval is the default spacing between accepted frames.
const DefaultMinInterval = 1500 * time.Millisecond

// Throttler accepts at most one frame per interval, measured from the last
// accepted frame. Frames in between are released on the spot; nothing is held
// across calls except the last acceptance time.
type Throttler struct {
	mu           sync.Mutex
	interval     time.Duration
	lastAccepted time.Time
	hasAccepted  bool
}

// NewThrottler creates a throttler. A non-positive interval uses DefaultMinInterval.
func NewThrottler(interval time.Duration) *Throttler {
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	return &Throttler{interval: interval}
}

// Interval returns the configured minimum spacing.
func (t *Throttler) Interval() time.Duration {
	return t.interval
}

// Offer decides whether f, arriving at now, may go downstream.
// A rejected frame has already been released when Offer returns false.
func (t *Throttler) Offer(f *Frame, now time.Time) bool {
	t.mu.Lock()
	accept := !t.hasAccepted || now.Sub(t.lastAccepted) >= t.interval
	if accept {
		t.lastAccepted = now
		t.hasAccepted = true
	}
	t.mu.Unlock()

	if !accept {
		f.Release()
	}
	return accept
}

// Reset forgets the last acceptance so the next frame is accepted immediately.
func (t *Throttler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasAccepted = false
	t.lastAccepted = time.Time{}
}
