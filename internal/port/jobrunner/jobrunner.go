// Package jobrunner defines the ports for the external long-running job
// services: the validation (healthcheck) runner, the database copy runner
// and the metadata updater. Each service accepts a job submission and is
// polled for the job's status until it finishes.
package jobrunner

import (
	"context"
	"fmt"
)

// Status is the lifecycle state a job service reports for a job.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusRunning    Status = "running"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
	StatusSucceeded  Status = "succeeded"
)

// Finished reports whether the job has reached a final status. Jobs that are
// submitted, running or incomplete must be polled again later.
func (s Status) Finished() bool {
	switch s {
	case StatusSubmitted, StatusRunning, StatusIncomplete:
		return false
	}
	return true
}

// Output carries the business verdict of a finished job. A validation job
// can execute successfully yet still report failures in its output.
type Output struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Result is the polled state of a job.
type Result struct {
	JobID  string  `json:"job_id"`
	Status Status  `json:"status"`
	Output *Output `json:"output,omitempty"`
}

// HealthcheckParams are the inputs to a validation job submission.
type HealthcheckParams struct {
	DBURI         string   `json:"db_uri"`
	ProductionURI string   `json:"production_uri,omitempty"`
	ComparaURI    string   `json:"compara_uri,omitempty"`
	StagingURI    string   `json:"staging_uri,omitempty"`
	LiveURI       string   `json:"live_uri,omitempty"`
	HCGroups      []string `json:"hc_groups"`
	DataFilesPath string   `json:"data_files_path,omitempty"`
}

// CopyParams are the inputs to a database copy job submission.
type CopyParams struct {
	SourceDBURI  string `json:"source_db_uri"`
	TargetDBURI  string `json:"target_db_uri"`
	Update       bool   `json:"update"`        // incremental update instead of full copy
	DropExisting bool   `json:"drop_existing"` // drop the target database first
}

// MetadataParams are the inputs to a metadata update job submission.
type MetadataParams struct {
	DatabaseURI string `json:"database_uri"`
	UpdateType  string `json:"update_type"`
	Comment     string `json:"comment,omitempty"`
	Email       string `json:"email,omitempty"`
}

// HealthcheckRunner submits and polls validation jobs.
type HealthcheckRunner interface {
	Submit(ctx context.Context, params HealthcheckParams) (jobID string, err error)
	Retrieve(ctx context.Context, jobID string) (Result, error)
}

// CopyRunner submits and polls database copy jobs.
type CopyRunner interface {
	Submit(ctx context.Context, params CopyParams) (jobID string, err error)
	Retrieve(ctx context.Context, jobID string) (Result, error)
}

// MetadataUpdater submits and polls metadata update jobs.
type MetadataUpdater interface {
	Submit(ctx context.Context, params MetadataParams) (jobID string, err error)
	Retrieve(ctx context.Context, jobID string) (Result, error)
}

// SubmitError reports that a job could not be handed to its service.
// Submissions are never retried by the clients themselves.
type SubmitError struct {
	Service string
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s: submit job: %v", e.Service, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// QueryError reports that a job's status could not be determined: the
// service was unreachable, answered non-2xx or returned an unreadable body.
// It is distinct from a job that reports an unfinished status.
type QueryError struct {
	Service string
	JobID   string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: query job %s: %v", e.Service, e.JobID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
