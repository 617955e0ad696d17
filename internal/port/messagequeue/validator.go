package messagequeue

import (
	"encoding/json"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types). A check message without a job id
// or handover token can never be processed, so both are required here and
// failures send the message straight to the dead letter queue.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectValidationCheck, SubjectCopyCheck, SubjectMetadataCheck:
		var p CheckPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.JobID == "" {
			return fmt.Errorf("subject %s: job_id is required", subject)
		}
		if p.Handover.Token == "" {
			return fmt.Errorf("subject %s: handover_token is required", subject)
		}
	case SubjectReportCheck:
		var p ReportCheckPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.URL == "" {
			return fmt.Errorf("subject %s: url is required", subject)
		}
		if p.Address == "" {
			return fmt.Errorf("subject %s: address is required", subject)
		}
	default:
		return nil
	}

	return nil
}
