package models

import (
	"time"

	"github.com/google/uuid"
)

type SecurityEventType string

const (
	EventLoginSucceeded     SecurityEventType = "login_succeeded"
	EventLoginFailed        SecurityEventType = "login_failed"
	EventLoginLocked        SecurityEventType = "login_locked"
	EventCredentialCreated  SecurityEventType = "credential_provisioned"
	EventCredentialRejected SecurityEventType = "credential_rejected"
	EventCredentialRotated  SecurityEventType = "credential_rotated"
	EventCredentialRevoked  SecurityEventType = "credential_revoked"
	EventChallengeIssued    SecurityEventType = "biometric_challenge_issued"
)

// SecurityEvent is one audit record. It never contains secrets.
type SecurityEvent struct {
	EventID      uuid.UUID         `db:"event_id" json:"event_id"`
	EventBucket  int               `db:"event_bucket" json:"event_bucket"`
	EventDate    string            `db:"event_date" json:"event_date"`
	EventTime    time.Time         `db:"event_time" json:"event_time"`
	EventType    SecurityEventType `db:"event_type" json:"event_type"`
	SubjectType  SubjectType       `db:"subject_type" json:"subject_type,omitempty"`
	SubjectID    string            `db:"subject_id" json:"subject_id,omitempty"`
	CredentialID string            `db:"credential_id" json:"credential_id,omitempty"`
	Method       Method            `db:"method" json:"method,omitempty"`
	DeviceID     string            `db:"device_id" json:"device_id,omitempty"`
	Resolution   Resolution        `db:"resolution" json:"resolution,omitempty"`
	Reason       string            `db:"reason" json:"reason,omitempty"`
	Details      map[string]string `db:"details" json:"details,omitempty"`
}
