package api

import (
	"fmt"
	"strings"
)

// Error is a failed backend request.
//
// StatusCode is zero when no response was received; Err then holds the
// transport failure.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StatusCode > 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": request failed"
	}
}

// Unwrap returns the transport error.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the response status code, zero if none.
func (e *Error) HTTPStatus() int {
	return e.StatusCode
}

type errorBody struct {
	Errors []struct {
		Title string `json:"title"`
	} `json:"errors"`
}

func (b errorBody) message() string {
	titles := make([]string, 0, len(b.Errors))
	for _, e := range b.Errors {
		if e.Title != "" {
			titles = append(titles, e.Title)
		}
	}
	return strings.Join(titles, "; ")
}
