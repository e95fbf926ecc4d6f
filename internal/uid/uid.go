// Package uid generates identifiers for requests and temp files.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random 32-character lowercase hex identifier.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RequestID returns a 16-character uppercase identifier in the shape S3 uses
// for x-amz-request-id.
func RequestID() string {
	return strings.ToUpper(New()[:16])
}
