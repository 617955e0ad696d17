// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/Strob0t/DataHandover/internal/domain/handover"
)

// Store is the port interface for handover persistence.
//
// The job-id setters are set-once: the first write records the id, a second
// write with a different id returns domain.ErrConflict and a rewrite of the
// same id is a no-op success. This is what makes job submission safe under
// at-least-once message delivery.
type Store interface {
	CreateHandover(ctx context.Context, h handover.Handover) (*handover.Handover, error)
	GetHandover(ctx context.Context, token string) (*handover.Handover, error)
	ListHandovers(ctx context.Context) ([]handover.Handover, error)

	// UpdateState moves a handover to the given state and bumps its version.
	UpdateState(ctx context.Context, token string, state handover.State) error

	SetValidationJobID(ctx context.Context, token, jobID string) error
	SetCopyJobID(ctx context.Context, token, jobID string) error
	SetMetadataJobID(ctx context.Context, token, jobID string) error
}
