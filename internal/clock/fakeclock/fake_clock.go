package fakeclock

import (
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/clock"
)

var _ clock.Clock = (*FakeClock)(nil)

// FakeClock is a manually advanced clock. Due callbacks run synchronously inside Advance,
// on the caller's goroutine, in deadline order.
type FakeClock struct {
	now    time.Time
	timers []*fakeTimer
	lock   sync.Mutex
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	f        func()
	delay    time.Duration
}

func New(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.lock.Lock()
	defer c.lock.Unlock()

	t := &fakeTimer{clock: c, deadline: c.now.Add(d), f: f, delay: d}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires every timer that falls due.
func (c *FakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	target := c.now.Add(d)
	c.lock.Unlock()

	for {
		c.lock.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool {
			return c.timers[i].deadline.Before(c.timers[j].deadline)
		})
		if len(c.timers) == 0 || c.timers[0].deadline.After(target) {
			c.now = target
			c.lock.Unlock()
			return
		}
		t := c.timers[0]
		c.timers = c.timers[1:]
		c.now = t.deadline
		c.lock.Unlock()

		t.f()
	}
}

// Pending returns the number of armed timers.
func (c *FakeClock) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.timers)
}

// Delays returns the requested delay of every armed timer, soonest first.
func (c *FakeClock) Delays() []time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()

	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	delays := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		delays = append(delays, t.delay)
	}
	return delays
}

func (t *fakeTimer) Stop() bool {
	t.clock.lock.Lock()
	defer t.clock.lock.Unlock()

	for i, other := range t.clock.timers {
		if other == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}
