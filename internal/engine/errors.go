package engine

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by every call made after Stop.
var ErrStopped = errors.New("engine stopped")

// StartError reports which component failed to start.
type StartError struct {
	Component string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Component, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
