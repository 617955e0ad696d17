package messagequeue

import (
	"errors"
	"fmt"
	"time"
)

// RetryError asks the substrate to redeliver the message after Delay.
// Poll-style handlers return it while the watched job is still running.
// Redelivery is unbounded and does not spend the retry budget; a handover
// waits as long as its job takes.
type RetryError struct {
	Delay time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry after %s", e.Delay)
}

// Retry returns an error that requests redelivery after delay.
func Retry(delay time.Duration) error {
	return &RetryError{Delay: delay}
}

// AsRetry extracts a RetryError from err, if present.
func AsRetry(err error) (*RetryError, bool) {
	var r *RetryError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// RejectError asks the substrate to dead-letter the message immediately,
// with no redelivery. Handlers return it for messages that can never
// succeed, such as a reply that is not parseable.
type RejectError struct {
	Err error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("rejected: %v", e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }

// Reject returns an error that requests immediate dead-lettering.
func Reject(err error) error {
	return &RejectError{Err: err}
}

// AsReject extracts a RejectError from err, if present.
func AsReject(err error) (*RejectError, bool) {
	var r *RejectError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
