// Package clock provides the kernel's single logical time source and a
// deadline queue used by the sweepers.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into every subsystem. Implementations
// must return timezone-aware UTC timestamps that never go backwards
// in-process.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System is the production clock. Now() clamps against the last value
// handed out so wall-clock steps backwards (NTP adjustments) are never
// observed by callers.
type System struct {
	mu   sync.Mutex
	last time.Time
}

// NewSystem creates a system clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current UTC time, monotonically clamped.
func (s *System) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if now.Before(s.last) {
		return s.last
	}
	s.last = now
	return now
}

// After waits for the duration to elapse.
func (s *System) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake clock's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires once Advance moves past d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	f.waiters = append(f.waiters, fakeWaiter{at: f.now.Add(d), ch: ch})
	return ch
}

// Advance moves the fake clock forward, firing any elapsed waiters.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var remaining []fakeWaiter
	var fired []fakeWaiter
	for _, w := range f.waiters {
		if !w.at.After(now) {
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range fired {
		w.ch <- now
	}
}
