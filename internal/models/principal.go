package models

import (
	"time"

	"github.com/google/uuid"
)

// Resolution names the rule that selected the credential a login was verified against.
type Resolution string

const (
	ResolutionDeviceBound     Resolution = "device_bound"
	ResolutionPrimaryFallback Resolution = "primary_fallback"
	ResolutionGlobalScan      Resolution = "global_scan"
	// ResolutionDirect applies to device-agnostic methods (password): the subject's
	// primary, or newest, credential.
	ResolutionDirect          Resolution = "direct"
)

// Principal is the authenticated identity handed to the token issuer.
type Principal struct {
	SubjectType     SubjectType `json:"subject_type"`
	SubjectID       string      `json:"subject_id"`
	Method          Method      `json:"method"`
	IsPrimary       bool        `json:"is_primary"`
	DeviceID        string      `json:"device_id,omitempty"`
	CredentialID    uuid.UUID   `json:"credential_id"`
	Resolution      Resolution  `json:"resolution"`
	AuthenticatedAt time.Time   `json:"authenticated_at"`
}
