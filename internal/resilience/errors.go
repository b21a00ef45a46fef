package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Class partitions external call failures into retry-eligible and fatal.
type Class int

const (
	// Transient failures (timeouts, rate limits, 5xx-equivalents) are retried.
	Transient Class = iota
	// Permanent failures (bad request, auth, quota) surface immediately.
	Permanent
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifiedError attaches a failure class to a provider error.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable failure.
func NewTransient(err error) error { return &ClassifiedError{Class: Transient, Err: err} }

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(err error) error { return &ClassifiedError{Class: Permanent, Err: err} }

// ClassOf extracts the failure class from err. Unclassified errors and
// deadline expiry default to Transient; context cancellation is never
// retried and reports Permanent.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	return Transient
}

// ExhaustedError reports that every retry attempt on a Transient failure was
// spent. The owning stage decides whether this is fatal to the task.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
