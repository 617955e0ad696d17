// Package handover defines the Handover domain entity and its state machine.
package handover

import "time"

// State represents the current stage of a handover.
type State string

const (
	StateAwaitingValidation State = "awaiting_validation"
	StateAwaitingCopy       State = "awaiting_copy"
	StateAwaitingMetadata   State = "awaiting_metadata"
	StateValidationFailed   State = "validation_failed"
	StateValidationRejected State = "validation_rejected"
	StateCopyFailed         State = "copy_failed"
	StateDone               State = "done"
)

// Terminal reports whether no further stage follows this state.
func (s State) Terminal() bool {
	switch s {
	case StateValidationFailed, StateValidationRejected, StateCopyFailed, StateDone:
		return true
	}
	return false
}

// Handover represents one database moving from a source environment into the
// managed target environment. The token is assigned once at intake and is
// immutable; each job id is set at most once, when that stage is submitted.
type Handover struct {
	Token           string    `json:"handover_token"`
	SrcURI          string    `json:"src_uri"`
	TgtURI          string    `json:"tgt_uri"`
	Contact         string    `json:"contact"`
	ChangeType      string    `json:"type"`
	Comment         string    `json:"comment,omitempty"`
	Group           string    `json:"group,omitempty"`
	ValidationJobID string    `json:"validation_job_id,omitempty"`
	CopyJobID       string    `json:"copy_job_id,omitempty"`
	MetadataJobID   string    `json:"metadata_job_id,omitempty"`
	State           State     `json:"state"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SubmitRequest holds the fields accepted at handover intake. TgtURI is
// optional and derived from the staging location when absent.
type SubmitRequest struct {
	SrcURI     string `json:"src_uri"`
	TgtURI     string `json:"tgt_uri,omitempty"`
	Contact    string `json:"contact"`
	ChangeType string `json:"type"`
	Comment    string `json:"comment,omitempty"`
}
