package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/subsync/internal/loop"
)

// ManualTimers is a virtual-time loop.Timers for tests.
//
// Timers fire only when the test advances time. Callbacks run on the
// goroutine calling Advance or FireNext, which in tests plays the role of
// the loop.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualTimers struct {
	mu        sync.Mutex
	now       time.Duration
	seq       int
	timers    []*manualTimer
	scheduled []time.Duration
}

type manualTimer struct {
	owner   *ManualTimers
	at      time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// Stop implements loop.Timer.
func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// NewManualTimers creates timers at virtual time zero.
func NewManualTimers() *ManualTimers {
	return &ManualTimers{}
}

// AfterFunc implements loop.Timers.
func (m *ManualTimers) AfterFunc(d time.Duration, f func()) loop.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, at: m.now + d, seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	m.scheduled = append(m.scheduled, d)
	return t
}

// next removes and returns the earliest live timer due at or before limit.
func (m *ManualTimers) next(limit time.Duration, bounded bool) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
	if len(live) == 0 {
		return nil
	}

	sort.Slice(live, func(i, j int) bool {
		if live[i].at != live[j].at {
			return live[i].at < live[j].at
		}
		return live[i].seq < live[j].seq
	})
	t := live[0]
	if bounded && t.at > limit {
		return nil
	}
	t.fired = true
	if t.at > m.now {
		m.now = t.at
	}
	return t
}

// Advance moves virtual time forward by d, firing every timer that comes
// due, including timers scheduled by fired callbacks. Returns the number
// fired.
func (m *ManualTimers) Advance(d time.Duration) int {
	m.mu.Lock()
	limit := m.now + d
	m.mu.Unlock()

	n := 0
	for {
		t := m.next(limit, true)
		if t == nil {
			break
		}
		t.f()
		n++
	}

	m.mu.Lock()
	m.now = limit
	m.mu.Unlock()
	return n
}

// FireNext jumps to the earliest pending timer and fires it. Returns false
// if none is pending.
func (m *ManualTimers) FireNext() bool {
	t := m.next(0, false)
	if t == nil {
		return false
	}
	t.f()
	return true
}

// Pending returns the number of live timers.
func (m *ManualTimers) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Scheduled returns the delay of every AfterFunc call, in call order.
func (m *ManualTimers) Scheduled() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.scheduled...)
}

// Elapsed returns the current virtual time.
func (m *ManualTimers) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}
