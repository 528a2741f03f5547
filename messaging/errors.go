package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueClosed is returned once a queue has been closed
	ErrQueueClosed = errors.New("messaging: queue is closed")
	// ErrRequestTimeout is wrapped by TimeoutError
	ErrRequestTimeout = errors.New("messaging: request timed out")
	// ErrRequestCanceled resolves requests cancelled without an explicit cause
	ErrRequestCanceled = errors.New("messaging: request canceled")
	// ErrAlreadyResponded is returned by a Responder called more than once
	ErrAlreadyResponded = errors.New("messaging: already responded")
	// ErrNoRoute is returned by transports when a mandatory publish has no subscriber
	ErrNoRoute = errors.New("messaging: no route for pattern")
	// ErrInvalidPattern is returned for an empty pattern
	ErrInvalidPattern = errors.New("messaging: pattern cannot be empty")
	// ErrNilListener is returned when a nil listener is registered
	ErrNilListener = errors.New("messaging: listener cannot be nil")
)

// PublishError reports a transport-level publish failure for a request
type PublishError struct {
	Pattern       string
	CorrelationID string
	Err           error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("messaging: failed to publish request %s to %s: %v", e.CorrelationID, e.Pattern, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TimeoutError resolves a request whose deadline expired before a reply arrived
type TimeoutError struct {
	Pattern       string
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("messaging: request %s to %s timed out after %v", e.CorrelationID, e.Pattern, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}
