package models

import (
	"time"

	"github.com/google/uuid"
)

// SubjectType is the class of account a credential authenticates.
type SubjectType string

const (
	SubjectPatient   SubjectType = "patient"
	SubjectClinician SubjectType = "clinician"
	SubjectAdmin     SubjectType = "admin"
	SubjectLegacy    SubjectType = "legacy"
)

// IsValid returns true if the subject type is one of the fixed classes.
func (s SubjectType) IsValid() bool {
	switch s {
	case SubjectPatient, SubjectClinician, SubjectAdmin, SubjectLegacy:
		return true
	}
	return false
}

// Method is the kind of secret a credential holds.
type Method string

const (
	MethodPassword  Method = "password"
	MethodPIN       Method = "pin"
	MethodBiometric Method = "biometric"
	// MethodTOTP is reserved; provisioning rejects it.
	MethodTOTP Method = "totp"
)

func (m Method) IsValid() bool {
	switch m {
	case MethodPassword, MethodPIN, MethodBiometric, MethodTOTP:
		return true
	}
	return false
}

// RequiresDevice reports whether credentials of this method must carry a device binding.
func (m Method) RequiresDevice() bool {
	return m == MethodPIN || m == MethodBiometric
}

// IsHashed reports whether the secret material is an argon2id hash (as opposed to a public key).
func (m Method) IsHashed() bool {
	return m == MethodPassword || m == MethodPIN
}

type BiometricType string

const (
	BiometricFingerprint BiometricType = "fingerprint"
	BiometricFace        BiometricType = "face"
	BiometricIris        BiometricType = "iris"
)

func (b BiometricType) IsValid() bool {
	switch b {
	case BiometricFingerprint, BiometricFace, BiometricIris:
		return true
	}
	return false
}

// Metadata keys stored on credentials.
const (
	MetaBiometricType = "biometric_type"
	MetaLastChallenge = "last_challenge"
	MetaKeyID         = "key_id"
)

type DeviceBinding struct {
	DeviceID    string `db:"device_id" json:"device_id"`
	DeviceName  string `db:"device_name" json:"device_name,omitempty"`
	DeviceClass string `db:"device_class" json:"device_class,omitempty"`
}

type Credential struct {
	ID             uuid.UUID         `db:"id"`
	SubjectType    SubjectType       `db:"subject_type"`
	SubjectID      string            `db:"subject_id"`
	Method         Method            `db:"method"`
	SecretMaterial string            `db:"secret_material"`
	LookupIndex    string            `db:"lookup_index"`
	SecondarySalt  string            `db:"secondary_salt"`
	Device         *DeviceBinding    `db:"-"`
	IsPrimary      bool              `db:"is_primary"`
	FailedAttempts int               `db:"failed_attempts"`
	LockedUntil    *time.Time        `db:"locked_until"`
	LastUsedAt     *time.Time        `db:"last_used_at"`
	CreatedAt      time.Time         `db:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"`
	ExpiresAt      *time.Time        `db:"expires_at"`
	Active         bool              `db:"active"`
	Metadata       map[string]string `db:"metadata"`
	Version        int64             `db:"version"`
}

// DeviceID returns the bound device identifier, or "" for device-agnostic credentials.
func (c *Credential) DeviceID() string {
	if c.Device == nil {
		return ""
	}
	return c.Device.DeviceID
}

// IsExpired returns true if the credential has an expiry at or before now.
func (c *Credential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Usable reports whether the credential may take part in authentication and uniqueness checks.
func (c *Credential) Usable(now time.Time) bool {
	return c.Active && !c.IsExpired(now)
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.Device != nil {
		d := *c.Device
		out.Device = &d
	}
	out.LockedUntil = cloneTime(c.LockedUntil)
	out.LastUsedAt = cloneTime(c.LastUsedAt)
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Meta strips the secret material for callers outside the core.
func (c *Credential) Meta() CredentialMeta {
	meta := CredentialMeta{
		ID:          c.ID,
		SubjectType: c.SubjectType,
		SubjectID:   c.SubjectID,
		Method:      c.Method,
		IsPrimary:   c.IsPrimary,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		LastUsedAt:  cloneTime(c.LastUsedAt),
		ExpiresAt:   cloneTime(c.ExpiresAt),
	}
	if c.Device != nil {
		meta.DeviceID = c.Device.DeviceID
		meta.DeviceName = c.Device.DeviceName
		meta.DeviceClass = c.Device.DeviceClass
	}
	if c.Method == MethodBiometric && c.Metadata != nil {
		meta.BiometricType = BiometricType(c.Metadata[MetaBiometricType])
	}
	return meta
}

// CredentialMeta is the caller-facing view of a credential. It never carries secret material.
type CredentialMeta struct {
	ID            uuid.UUID     `json:"id"`
	SubjectType   SubjectType   `json:"subject_type"`
	SubjectID     string        `json:"subject_id"`
	Method        Method        `json:"method"`
	IsPrimary     bool          `json:"is_primary"`
	DeviceID      string        `json:"device_id,omitempty"`
	DeviceName    string        `json:"device_name,omitempty"`
	DeviceClass   string        `json:"device_class,omitempty"`
	BiometricType BiometricType `json:"biometric_type,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	LastUsedAt    *time.Time    `json:"last_used_at,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
