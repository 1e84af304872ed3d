package loop

import "time"

// Timer is a cancelable scheduled callback.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Timers schedules delayed callbacks. Callbacks run on the loop.
type Timers interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealTimers schedules wall-clock timers whose callbacks are posted onto
// the loop.
type RealTimers struct {
	loop *Loop
}

// NewRealTimers creates Timers bound to l.
func NewRealTimers(l *Loop) *RealTimers {
	return &RealTimers{loop: l}
}

// AfterFunc implements Timers.
func (t *RealTimers) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, func() {
		t.loop.Post(f)
	})
}

// Slot holds at most one outstanding timer for a logical operation.
//
// Schedule always cancels the previous handle first. A timer that had
// already fired and been queued on the loop before being superseded is
// ignored when it runs.
//
// Loop-confined: not safe for concurrent use.
type Slot struct {
	timers Timers
	cur    Timer
	gen    uint64
}

// NewSlot creates an empty Slot.
func NewSlot(timers Timers) *Slot {
	return &Slot{timers: timers}
}

// Schedule cancels any pending timer and schedules f after d.
func (s *Slot) Schedule(d time.Duration, f func()) {
	s.Cancel()
	gen := s.gen
	s.cur = s.timers.AfterFunc(d, func() {
		if s.gen != gen {
			return
		}
		s.cur = nil
		f()
	})
}

// Cancel stops the pending timer, if any.
func (s *Slot) Cancel() {
	s.gen++
	if s.cur != nil {
		s.cur.Stop()
		s.cur = nil
	}
}

// Pending reports whether a timer is outstanding.
func (s *Slot) Pending() bool {
	return s.cur != nil
}
