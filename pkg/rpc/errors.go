package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable matches any error caused by the node being unreachable.
	ErrUnavailable = errors.New("node unavailable")

	// ErrNullResult is returned when a call succeeds with a null result.
	ErrNullResult = errors.New("null result")

	// ErrDecode is returned when a response cannot be decoded.
	ErrDecode = errors.New("undecodable response")
)

// ConnectionError reports a call that failed after exhausting its retries.
type ConnectionError struct {
	Endpoint string
	Method   string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: unavailable after %d attempt(s): %v", e.Endpoint, e.Method, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnavailable) true.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrUnavailable
}

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HTTPStatusError is returned for non-2xx responses that carry no JSON-RPC error.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return "http status " + e.Status
}

// transientError marks an attempt failure that is worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
