package service

import (
	"fmt"
	"unicode/utf8"

	"clinical-auth/internal/models"
)

const (
	pinLength         = 4
	minPasswordLength = 6
	maxPasswordLength = 128
)

// WeakPINs returns the rejected PINs: repeated digits and ascending or descending runs.
func WeakPINs() []string {
	var out []string
	for d := byte('0'); d <= '9'; d++ {
		out = append(out, string([]byte{d, d, d, d}))
	}
	for start := byte('0'); start+pinLength-1 <= '9'; start++ {
		out = append(out, string([]byte{start, start + 1, start + 2, start + 3}))
	}
	for start := byte('9'); start-(pinLength-1) >= '0'; start-- {
		out = append(out, string([]byte{start, start - 1, start - 2, start - 3}))
	}
	return out
}

var weakPINs = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, p := range WeakPINs() {
		m[p] = struct{}{}
	}
	return m
}()

func isFourDigits(pin string) bool {
	if len(pin) != pinLength {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

// ValidatePIN accepts exactly four ASCII digits that are not on the weak list.
func ValidatePIN(pin string) error {
	if !isFourDigits(pin) {
		return fmt.Errorf("%w: PIN must be exactly %d digits", ErrWeakSecret, pinLength)
	}
	if _, weak := weakPINs[pin]; weak {
		return fmt.Errorf("%w: PIN is too easy to guess", ErrWeakSecret)
	}
	return nil
}

func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrWeakSecret, minPasswordLength)
	}
	if n > maxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d characters", ErrWeakSecret, maxPasswordLength)
	}
	return nil
}

func validateSecret(method models.Method, secret string) error {
	switch method {
	case models.MethodPIN:
		return ValidatePIN(secret)
	case models.MethodPassword:
		return ValidatePassword(secret)
	}
	return nil
}

func validateSubject(subjectType models.SubjectType, subjectID string) error {
	if !subjectType.IsValid() {
		return fmt.Errorf("%w: unknown subject type %q", ErrInvalidRequest, subjectType)
	}
	if subjectID == "" {
		return fmt.Errorf("%w: subject id is required", ErrInvalidRequest)
	}
	return nil
}

func validateMethod(method models.Method) error {
	if !method.IsValid() {
		return fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, method)
	}
	if method == models.MethodTOTP {
		return fmt.Errorf("%w: method %q is reserved", ErrInvalidRequest, method)
	}
	return nil
}
