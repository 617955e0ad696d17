// Package translog defines the port interface for the append-only handover
// transition log.
package translog

import (
	"context"
	"time"

	"github.com/Strob0t/DataHandover/internal/domain/handover"
)

// Transition is one recorded state change of a handover. From is empty for
// the intake record.
type Transition struct {
	ID        int64          `json:"id"`
	Token     string         `json:"handover_token"`
	From      handover.State `json:"from,omitempty"`
	To        handover.State `json:"to"`
	Message   string         `json:"message,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Log is the port interface for appending and listing transitions.
type Log interface {
	// Append persists a new transition. Callers treat failures as
	// best-effort: the log must never block handover progress.
	Append(ctx context.Context, tr Transition) error

	// ListByToken returns all transitions of a handover, oldest first.
	ListByToken(ctx context.Context, token string) ([]Transition, error)
}
