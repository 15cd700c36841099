// Package clock abstracts wall time so state timestamps and the restore
// dump schedule can be driven by tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the state machine and the restore dumper.
type Clock interface {
	// Now returns the current time in UTC
	Now() time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call. It reports whether the timer was still pending.
	Stop() bool
}

// Real is backed by the time package.
type Real struct{}

// NewReal returns the production clock
func NewReal() *Real {
	return &Real{}
}

// Now returns time.Now in UTC
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc wraps time.AfterFunc
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Mock is a manually advanced clock. Timers fire synchronously from Advance.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	mock     *Mock
	deadline time.Time
	f        func()
	stopped  bool
}

// NewMock creates a Mock starting at start
func NewMock(start time.Time) *Mock {
	return &Mock{current: start.UTC()}
}

// Now returns the mock time
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// AfterFunc registers f to run when the mock time reaches now+d
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &mockTimer{mock: m, deadline: m.current.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward and runs every timer that came due,
// earliest deadline first.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	now := m.current

	var due, pending []*mockTimer
	for _, t := range m.timers {
		switch {
		case t.stopped:
		case !t.deadline.After(now):
			t.stopped = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	m.timers = pending
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	// Fire outside the lock; callbacks usually reschedule themselves.
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of timers that have not fired or been stopped
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true
	for i, other := range t.mock.timers {
		if other == t {
			t.mock.timers = append(t.mock.timers[:i], t.mock.timers[i+1:]...)
			break
		}
	}
	return true
}
