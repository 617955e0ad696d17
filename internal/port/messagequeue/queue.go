// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
//
// The returned error steers the substrate: nil acknowledges the message;
// an error created by Retry redelivers it after a delay without spending
// the retry budget; an error created by Reject dead-letters it immediately;
// any other error spends the retry budget and dead-letters the message once
// the budget is exhausted.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the handover pipeline steps. Each message carries
// everything its step needs; workers never wait in-process for a job but
// reschedule the step instead.
const (
	SubjectValidationCheck = "handover.validation.check" // poll a validation job, advance on completion
	SubjectCopyCheck       = "handover.copy.check"       // poll a copy job, advance on completion
	SubjectMetadataCheck   = "handover.metadata.check"   // poll a metadata update job
	SubjectReportCheck     = "report.check"              // poll an arbitrary report URL, mail on completion
)
