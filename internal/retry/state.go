package retry

import (
	"errors"
	"fmt"
	"time"
)

// Default policy values.
const (
	DefaultMaxAttempts       = 25
	DefaultTransientDelay    = 500 * time.Millisecond
	DefaultConnectivityDelay = 2 * time.Second
	DefaultStep              = time.Second
	DefaultMaxDelay          = 30 * time.Second
)

// Policy configures delays and the attempt cap.
type Policy struct {
	MaxAttempts       int
	TransientDelay    time.Duration
	ConnectivityDelay time.Duration
	Step              time.Duration
	MaxDelay          time.Duration
}

// DefaultPolicy returns the default backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       DefaultMaxAttempts,
		TransientDelay:    DefaultTransientDelay,
		ConnectivityDelay: DefaultConnectivityDelay,
		Step:              DefaultStep,
		MaxDelay:          DefaultMaxDelay,
	}
}

// WithMaxAttempts returns a copy of p with a different cap.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// BoundedDelay returns the bounded-track delay for the given attempt (1-based).
func (p Policy) BoundedDelay(attempt int) time.Duration {
	d := p.Step * time.Duration(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// State tracks retries of one logical operation.
//
// Attempts counts the retries charged against the cap. Total counts every
// retry scheduled, including uncapped connectivity retries.
type State struct {
	Attempts  int
	Total     int
	LastClass Class

	transientStreak int
}

// Next records a failure and returns the delay before the next attempt.
//
// Returns an error wrapping ErrTerminal for terminal failures and an
// *ExhaustedError once the cap is spent. The caller must not retry when an
// error is returned.
func (s *State) Next(p Policy, err error) (time.Duration, error) {
	class := Classify(err)
	s.LastClass = class

	switch class {
	case ClassTerminal:
		return 0, fmt.Errorf("%w: %v", ErrTerminal, err)

	case ClassConnectivity:
		s.transientStreak = 0
		s.Total++
		return p.ConnectivityDelay, nil

	case ClassTransient:
		s.transientStreak++
		if s.transientStreak == 1 {
			s.Total++
			return p.TransientDelay, nil
		}
	default:
		s.transientStreak = 0
	}

	if s.Attempts >= p.MaxAttempts {
		return 0, &ExhaustedError{Attempts: s.Attempts, Limit: p.MaxAttempts, Last: err}
	}
	s.Attempts++
	s.Total++
	return p.BoundedDelay(s.Attempts), nil
}

// Reset clears the state after a success.
func (s *State) Reset() {
	*s = State{}
}

// ErrTerminal is wrapped by State.Next for terminal failures.
var ErrTerminal = errors.New("terminal failure")

// ExhaustedError is returned when an operation has used all its retries.
//
// Abandonment is silent towards the host application: the engine keeps
// serving cached data.
type ExhaustedError struct {
	Attempts int
	Limit    int
	Last     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted: %d attempts >= %d limit: %v", e.Attempts, e.Limit, e.Last)
}

// Unwrap returns the last failure.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsExhausted reports whether err is an *ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
