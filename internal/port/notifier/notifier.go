// Package notifier defines the notification port (interface).
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Notifier is the port interface for notifying a handover submitter.
// Delivery is best-effort: callers log failures and carry on, a lost mail
// never stalls a handover.
type Notifier interface {
	// Send delivers a message to the given recipient address.
	Send(ctx context.Context, to, subject, body string) error
}
