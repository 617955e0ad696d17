package handover

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/Strob0t/DataHandover/internal/domain"
)

// ValidateSubmitRequest validates the fields of a handover intake request.
func ValidateSubmitRequest(req SubmitRequest) error {
	if req.SrcURI == "" {
		return fmt.Errorf("src_uri is required: %w", domain.ErrValidation)
	}
	if !strings.Contains(req.SrcURI, "://") {
		return fmt.Errorf("src_uri %q is not a database URI: %w", req.SrcURI, domain.ErrValidation)
	}
	if req.TgtURI != "" && !strings.Contains(req.TgtURI, "://") {
		return fmt.Errorf("tgt_uri %q is not a database URI: %w", req.TgtURI, domain.ErrValidation)
	}
	if req.Contact == "" {
		return fmt.Errorf("contact is required: %w", domain.ErrValidation)
	}
	if _, err := mail.ParseAddress(req.Contact); err != nil {
		return fmt.Errorf("contact %q is not an email address: %w", req.Contact, domain.ErrValidation)
	}
	if req.ChangeType == "" {
		return fmt.Errorf("type is required: %w", domain.ErrValidation)
	}
	if len(req.Comment) > 2000 {
		return fmt.Errorf("comment exceeds 2000 characters: %w", domain.ErrValidation)
	}
	return nil
}
