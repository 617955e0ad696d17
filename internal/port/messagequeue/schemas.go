package messagequeue

import "github.com/Strob0t/DataHandover/internal/domain/handover"

// CheckPayload is the schema for the handover.*.check messages. The full
// handover record travels with the step so a worker decides without a read;
// JobID names the job being polled at that stage.
type CheckPayload struct {
	JobID    string            `json:"job_id"`
	Handover handover.Handover `json:"handover"`
}

// ReportCheckPayload is the schema for report.check messages. URL must
// answer JSON with status, subject and body fields; the mail goes to
// Address once the status is final.
type ReportCheckPayload struct {
	URL     string `json:"url"`
	Address string `json:"address"`
}
