package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Class categorizes a failure for retry purposes.
type Class int

const (
	ClassBounded Class = iota
	ClassConnectivity
	ClassTransient
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassConnectivity:
		return "connectivity"
	case ClassTransient:
		return "transient"
	case ClassTerminal:
		return "terminal"
	default:
		return "bounded"
	}
}

// StatusCoder is implemented by errors that carry an HTTP status code.
// A zero status means the request never produced a response.
type StatusCoder interface {
	HTTPStatus() int
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as never retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err (or anything it wraps) was marked Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// Classify maps an error to its retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassBounded
	}
	if IsTerminal(err) {
		return ClassTerminal
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() > 0 {
		if sc.HTTPStatus() >= 500 {
			return ClassTransient
		}
		return ClassBounded
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	if isConnectivity(err) {
		return ClassConnectivity
	}

	if strings.Contains(strings.ToLower(err.Error()), "redirect") {
		return ClassTransient
	}

	return ClassBounded
}

func isConnectivity(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
		syscall.ENETDOWN,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	return false
}
