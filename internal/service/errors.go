package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCredentialNotFound       = errors.New("credential not found")
	ErrInvalidCredential        = errors.New("invalid credential")
	ErrAccountLocked            = errors.New("account locked")
	ErrWeakSecret               = errors.New("weak secret")
	ErrDuplicateSecret          = errors.New("secret already in use")
	ErrDeviceBindingRequired    = errors.New("device binding required")
	ErrMalformedBiometricKey    = errors.New("malformed biometric key")
	ErrSubjectInactiveOrMissing = errors.New("subject inactive or missing")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrMissingDependency        = errors.New("missing service dependency")
)

// LockedError reports an active lockout window. errors.Is(err, ErrAccountLocked) holds.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrAccountLocked, e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

func lockedError(until *time.Time) error {
	if until == nil {
		return ErrAccountLocked
	}
	return &LockedError{Until: *until}
}
