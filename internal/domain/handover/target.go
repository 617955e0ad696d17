package handover

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Strob0t/DataHandover/internal/domain"
)

// DeriveTarget builds the target URI for a handover from the staging server
// URI and the database name of the source URI. The staging URI is expected to
// end with a path separator so the database name can be appended directly.
func DeriveTarget(stagingURI, srcURI string) (string, error) {
	name, err := DatabaseName(srcURI)
	if err != nil {
		return "", err
	}
	return stagingURI + name, nil
}

// DatabaseName extracts the database name from a database URI.
func DatabaseName(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse database uri: %w", err)
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return "", fmt.Errorf("uri %q has no database name: %w", uri, domain.ErrValidation)
	}
	return name, nil
}
