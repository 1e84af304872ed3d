package harness

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/subsync/internal/gate"
)

// Assertion types.
const (
	AssertRequestCount      = "request_count"
	AssertRequestOrder      = "request_order"
	AssertRetryDelays       = "retry_delays"
	AssertUserID            = "user_id"
	AssertNotificationCount = "notification_count"
	AssertGateOpen          = "gate_open"
	AssertReceiptPending    = "receipt_pending"
)

// Assertion is a declarative check over a scenario's Result.
type Assertion struct {
	Type string `yaml:"type"`
	// Name is the endpoint, notification or gate the assertion targets.
	Name string `yaml:"name,omitempty"`
	// Names is the expected request order, as a subsequence of the trace.
	Names []string `yaml:"names,omitempty"`
	Count *int     `yaml:"count,omitempty"`
	// Delays are Go durations, e.g. "1s".
	Delays []string `yaml:"delays,omitempty"`
	Value  string   `yaml:"value,omitempty"`
	// Want is the expected boolean for gate_open and receipt_pending.
	Want *bool `yaml:"want,omitempty"`
}

// AssertionError is a failed assertion.
type AssertionError struct {
	Type     string
	Expected any
	Actual   any
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion %s failed: expected %v, got %v", e.Type, e.Expected, e.Actual)
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertRequestCount, AssertNotificationCount:
		if a.Name == "" || a.Count == nil {
			return fmt.Errorf("%s requires name and count", a.Type)
		}
	case AssertRequestOrder:
		if len(a.Names) == 0 {
			return fmt.Errorf("%s requires names", a.Type)
		}
	case AssertRetryDelays:
		for _, d := range a.Delays {
			if _, err := time.ParseDuration(d); err != nil {
				return fmt.Errorf("%s: %w", a.Type, err)
			}
		}
	case AssertUserID:
		if a.Value == "" {
			return fmt.Errorf("%s requires value", a.Type)
		}
	case AssertGateOpen:
		if !slices.Contains(gate.All, gate.Name(a.Name)) {
			return fmt.Errorf("%s: unknown gate %q", a.Type, a.Name)
		}
		if a.Want == nil {
			return fmt.Errorf("%s requires want", a.Type)
		}
	case AssertReceiptPending:
		if a.Want == nil {
			return fmt.Errorf("%s requires want", a.Type)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// Evaluate checks one assertion against a result.
func Evaluate(a Assertion, r *Result) error {
	switch a.Type {
	case AssertRequestCount:
		got := len(r.Requests(a.Name))
		if got != *a.Count {
			return &AssertionError{Type: a.Type + " " + a.Name, Expected: *a.Count, Actual: got}
		}

	case AssertNotificationCount:
		got := 0
		for _, ev := range r.Trace {
			if ev.Type == EventNotification && ev.Name == a.Name {
				got++
			}
		}
		if got != *a.Count {
			return &AssertionError{Type: a.Type + " " + a.Name, Expected: *a.Count, Actual: got}
		}

	case AssertRequestOrder:
		var names []string
		for _, ev := range r.Requests("") {
			names = append(names, ev.Name)
		}
		if !isSubsequence(a.Names, names) {
			return &AssertionError{Type: a.Type, Expected: strings.Join(a.Names, ","), Actual: strings.Join(names, ",")}
		}

	case AssertRetryDelays:
		want := make([]time.Duration, len(a.Delays))
		for i, d := range a.Delays {
			want[i], _ = time.ParseDuration(d)
		}
		if !slices.Equal(want, r.Delays) {
			return &AssertionError{Type: a.Type, Expected: want, Actual: r.Delays}
		}

	case AssertUserID:
		if got := r.Status.Identity.UserID; got != a.Value {
			return &AssertionError{Type: a.Type, Expected: a.Value, Actual: got}
		}

	case AssertGateOpen:
		if got := r.Status.Gates[gate.Name(a.Name)]; got != *a.Want {
			return &AssertionError{Type: a.Type + " " + a.Name, Expected: *a.Want, Actual: got}
		}

	case AssertReceiptPending:
		if got := r.Status.ReceiptPending; got != *a.Want {
			return &AssertionError{Type: a.Type, Expected: *a.Want, Actual: got}
		}

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// isSubsequence reports whether want appears in got in order, not
// necessarily contiguously.
func isSubsequence(want, got []string) bool {
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	return i == len(want)
}
