package models

import "time"

// Challenge is a server-issued single-use nonce a device signs for biometric login.
type Challenge struct {
	Nonce       string      `json:"nonce"`
	SubjectType SubjectType `json:"subject_type"`
	SubjectID   string      `json:"subject_id"`
	DeviceID    string      `json:"device_id"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// BoundTo reports whether the challenge was issued for this subject and device.
func (c *Challenge) BoundTo(subjectType SubjectType, subjectID, deviceID string) bool {
	return c.SubjectType == subjectType && c.SubjectID == subjectID && c.DeviceID == deviceID
}
