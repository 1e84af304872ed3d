package harness

import (
	"fmt"
	"sync"
	"time"

	"github.com/roach88/subsync/internal/engine"
)

// Trace event types.
const (
	EventRequest      = "request"
	EventNotification = "notification"
	EventResult       = "result"
)

// TraceEvent is one observable effect of a scenario run.
type TraceEvent struct {
	Seq  int
	Type string
	// Name is the endpoint, listener or step action.
	Name string
	Args map[string]any
	// Outcome is "ok" or the retry class of a failed request. Empty for
	// notifications and results.
	Outcome string
}

// canonical returns the event as a canonical-JSON-ready map.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"seq":  e.Seq,
		"type": e.Type,
		"name": e.Name,
	}
	if len(e.Args) > 0 {
		m["args"] = e.Args
	}
	if e.Outcome != "" {
		m["outcome"] = e.Outcome
	}
	return m
}

// Result is the outcome of a scenario run.
type Result struct {
	Pass   bool
	Trace  []TraceEvent
	Errors []string
	// Status is the engine snapshot after the last step.
	Status engine.Status
	// Delays are the virtual timer delays scheduled during the run.
	Delays []time.Duration
}

// NewResult creates a passing Result.
func NewResult() *Result {
	return &Result{Pass: true}
}

// AddError records a failure.
func (r *Result) AddError(format string, args ...any) {
	r.Pass = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Requests returns the request events named name, or all requests when
// name is empty.
func (r *Result) Requests(name string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventRequest && (name == "" || ev.Name == name) {
			out = append(out, ev)
		}
	}
	return out
}

// recorder assigns sequence numbers to trace events.
type recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (r *recorder) record(typ, name string, args map[string]any, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, TraceEvent{
		Seq:     len(r.events) + 1,
		Type:    typ,
		Name:    name,
		Args:    args,
		Outcome: outcome,
	})
}

func (r *recorder) trace() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent(nil), r.events...)
}
