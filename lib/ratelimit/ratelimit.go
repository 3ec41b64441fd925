// Package ratelimit implements the Rate Gate (§4.3): sliding windows
// approximated by fixed-size 1s granularity ring buckets, summed over
// trailing 1s/60s/3600s windows, at configurable scope (global, per-IP,
// per-user).
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Window identifies one of the three configured trailing windows.
type Window string

const (
	WindowSecond Window = "1s"
	WindowMinute Window = "60s"
	WindowHour   Window = "3600s"
)

// Limits configures the threshold for each window; zero means unlimited.
type Limits struct {
	PerSecond int
	PerMinute int
	PerHour   int
}

func (l Limits) limitFor(w Window) int {
	switch w {
	case WindowSecond:
		return l.PerSecond
	case WindowMinute:
		return l.PerMinute
	case WindowHour:
		return l.PerHour
	}
	return 0
}

// widest is the number of 1s buckets needed to cover the hour window.
const widest = 3600

// counter is a ring of per-second buckets for one scope key.
type counter struct {
	mu       sync.Mutex
	buckets  [widest]int
	epoch    int64 // unix-second the ring's index 0 currently represents after normalization
	baseSlot int64 // unix second that was last advanced to
}

func newCounter(now time.Time) *counter {
	return &counter{baseSlot: now.Unix()}
}

// advance rotates the ring forward to `now`, zeroing buckets made stale,
// and returns the slot index for `now`.
func (c *counter) advance(now time.Time) int {
	sec := now.Unix()
	delta := sec - c.baseSlot
	if delta > 0 {
		if delta >= widest {
			for i := range c.buckets {
				c.buckets[i] = 0
			}
		} else {
			for i := int64(1); i <= delta; i++ {
				idx := (c.baseSlot + i) % widest
				c.buckets[idx] = 0
			}
		}
		c.baseSlot = sec
	}
	return int(((sec % widest) + widest) % widest)
}

// sum totals the last n buckets ending at (and including) now's slot.
func (c *counter) sum(now time.Time, n int) int {
	cur := c.advance(now)
	total := 0
	for i := 0; i < n; i++ {
		idx := ((cur-i)%widest + widest) % widest
		total += c.buckets[idx]
	}
	return total
}

func (c *counter) increment(now time.Time) {
	cur := c.advance(now)
	c.buckets[cur]++
}

// Decision is the outcome of TryAcquire.
type Decision struct {
	Allowed bool
	// Window is set when Allowed is false, naming which window rejected.
	Window Window
}

// Gate holds per-scope-key counters. A scope key is typically
// "global", "ip:1.2.3.4", or "user:alice".
type Gate struct {
	clock clockwork.Clock

	mu       sync.Mutex
	counters map[string]*counter
}

// New builds a Gate. clock may be nil to use wall-clock time.
func New(clock clockwork.Clock) *Gate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{clock: clock, counters: map[string]*counter{}}
}

func (g *Gate) counterFor(key string) *counter {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.counters[key]
	if !ok {
		c = newCounter(g.clock.Now())
		g.counters[key] = c
	}
	return c
}

// TryAcquire checks all three windows against limits and, only if none
// would be exceeded, increments all of them atomically (under the
// scope's own lock) and reports success. Ordering per §4.3: callers
// should consult the gate before expensive work (crypto) and again
// after identifying the user so per-user limits apply.
func (g *Gate) TryAcquire(scopeKey string, limits Limits) Decision {
	c := g.counterFor(scopeKey)
	now := g.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	windows := []struct {
		w  Window
		n  int
	}{
		{WindowSecond, 1},
		{WindowMinute, 60},
		{WindowHour, 3600},
	}
	for _, wd := range windows {
		limit := limits.limitFor(wd.w)
		if limit <= 0 {
			continue
		}
		if c.sum(now, wd.n) >= limit {
			return Decision{Allowed: false, Window: wd.w}
		}
	}
	c.increment(now)
	return Decision{Allowed: true}
}

// Reset discards a scope key's counters (admin operation / tests).
func (g *Gate) Reset(scopeKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.counters, scopeKey)
}
