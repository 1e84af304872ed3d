// Package gate implements the readiness gate scheduler: named, monotonic
// boolean conditions each holding a FIFO queue of deferred callbacks.
//
// Callers never block on a missing prerequisite. They submit work with
// Await and it runs when the gate opens, or immediately if it already has.
//
// Loop-confined: a Scheduler must only be used from the engine loop.
package gate

import "log/slog"

// Name identifies a readiness condition.
type Name string

const (
	UserRegistered       Name = "user_registered"
	ProductGroupsFetched Name = "product_groups_fetched"
	StoreProductsFetched Name = "store_products_fetched"
)

// All lists every gate in startup order.
var All = []Name{UserRegistered, ProductGroupsFetched, StoreProductsFetched}

// Outcome reports what Await did with a callback.
type Outcome int

const (
	// RanImmediately means the gate was open and the callback already ran.
	RanImmediately Outcome = iota + 1
	// Deferred means the callback was queued until the gate opens.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case RanImmediately:
		return "ran_immediately"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Scheduler holds gate states and their pending callbacks.
//
// INVARIANTS:
//   - A gate, once open, never closes
//   - Queued callbacks run exactly once, in submission order
//   - A callback awaiting an open gate runs synchronously, never queued
type Scheduler struct {
	open    map[Name]bool
	pending map[Name][]func()
	onOpen  func(Name)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithOpenHook registers a function called each time a gate opens.
func WithOpenHook(fn func(Name)) Option {
	return func(s *Scheduler) {
		s.onOpen = fn
	}
}

// New creates a Scheduler with every gate closed.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		open:    make(map[Name]bool),
		pending: make(map[Name][]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Await runs fn now if the gate is open, otherwise queues it.
func (s *Scheduler) Await(name Name, fn func()) Outcome {
	if s.open[name] {
		fn()
		return RanImmediately
	}
	s.pending[name] = append(s.pending[name], fn)
	slog.Debug("operation deferred", "gate", name, "pending", len(s.pending[name]))
	return Deferred
}

// Open flips the gate and drains its queue in FIFO order. Opening an open
// gate is a no-op.
//
// The gate is marked open before draining so that callbacks awaiting the
// same gate from inside the drain run synchronously.
func (s *Scheduler) Open(name Name) {
	if s.open[name] {
		return
	}
	s.open[name] = true

	queued := s.pending[name]
	delete(s.pending, name)

	slog.Info("gate opened", "gate", name, "drained", len(queued))
	if s.onOpen != nil {
		s.onOpen(name)
	}

	for _, fn := range queued {
		fn()
	}
}

// IsOpen reports whether the gate is open.
func (s *Scheduler) IsOpen(name Name) bool {
	return s.open[name]
}

// Pending returns the number of callbacks queued on a closed gate.
func (s *Scheduler) Pending(name Name) int {
	return len(s.pending[name])
}
