package crashpolicy

import (
	"sync"
	"time"
)

// Default thresholds: three crashes inside two minutes means the gateway
// is not going to stay up without operator intervention.
const (
	DefaultMaxCrashes = 3
	DefaultWindow     = 120 * time.Second
)

// Policy tracks a sliding window of crash timestamps and decides whether
// restarting is still worthwhile. Safe for concurrent use.
type Policy struct {
	mu         sync.Mutex
	maxCrashes int
	window     time.Duration
	crashes    []time.Time
	now        func() time.Time
}

func New(maxCrashes int, window time.Duration) *Policy {
	if maxCrashes <= 0 {
		maxCrashes = DefaultMaxCrashes
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Policy{maxCrashes: maxCrashes, window: window, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (p *Policy) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// RecordCrash appends the current time to the crash window.
func (p *Policy) RecordCrash() {
	p.mu.Lock()
	p.crashes = append(p.crashes, p.now())
	p.mu.Unlock()
}

// ShouldGiveUp prunes entries older than the window and reports whether
// the retained count has reached the configured maximum. It is a pure
// function of the retained window at call time.
func (p *Policy) ShouldGiveUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	return len(p.crashes) >= p.maxCrashes
}

// Count returns the number of crashes currently inside the window.
func (p *Policy) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	return len(p.crashes)
}

// Reset clears the window. Called on explicit operator reactivation so a
// Failed supervisor can be started again.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.crashes = nil
	p.mu.Unlock()
}

func (p *Policy) pruneLocked() {
	cutoff := p.now().Add(-p.window)
	keep := p.crashes[:0]
	for _, t := range p.crashes {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	p.crashes = keep
}
