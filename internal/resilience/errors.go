package resilience

import (
	"errors"
	"fmt"
)

// Errors returned by guarded calls
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrCircuitOpen         = fmt.Errorf("circuit open: %w", ErrUpstreamUnavailable)
)

// StatusError is an upstream response with a non-success status code
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Code)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as never retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetriesExhaustedError is returned when every attempt of a call failed
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap exposes both the last attempt's error and ErrUpstreamUnavailable
func (e *RetriesExhaustedError) Unwrap() []error {
	return []error{e.Err, ErrUpstreamUnavailable}
}
