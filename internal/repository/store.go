package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"clinical-auth/internal/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("credential not found")
	ErrVersionConflict = errors.New("credential modified concurrently")
	ErrLockTimeout     = errors.New("timed out waiting for provisioning lock")
)

// AttemptsFunc computes new lockout bookkeeping from the current values.
// It may be invoked more than once when the store retries after a conflict.
type AttemptsFunc func(failedAttempts int, lockedUntil *time.Time) (int, *time.Time)

// CredentialStore is the persistence boundary for credentials. Finders return only active,
// unexpired records.
type CredentialStore interface {
	// FindActive returns a subject's credentials for a method: device matches first when
	// deviceID is set, then primaries, then newest first.
	FindActive(ctx context.Context, subjectType models.SubjectType, subjectID string, method models.Method, deviceID string) ([]*models.Credential, error)
	// FindAllActiveByMethod is FindActive across every subject of a type.
	FindAllActiveByMethod(ctx context.Context, subjectType models.SubjectType, method models.Method, deviceID string) ([]*models.Credential, error)
	FindByLookupIndex(ctx context.Context, subjectType models.SubjectType, method models.Method, index string) ([]*models.Credential, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Credential, error)
	// ListActive includes expired credentials so they can be rotated.
	ListActive(ctx context.Context, subjectType models.SubjectType, subjectID string) ([]*models.Credential, error)

	// Upsert writes the credential; when it is an active primary every other active primary
	// for the same subject and method is demoted in the same operation.
	Upsert(ctx context.Context, cred *models.Credential) error
	UpdateAttempts(ctx context.Context, id uuid.UUID, fn AttemptsFunc) (*models.Credential, error)
	MarkUsed(ctx context.Context, id uuid.UUID, at time.Time, metadata map[string]string) error
	UpdateSecret(ctx context.Context, id uuid.UUID, secretMaterial, lookupIndex string) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// ProvisioningLocker serializes provisioning for one subject type and method.
type ProvisioningLocker interface {
	WithLock(ctx context.Context, subjectType models.SubjectType, method models.Method, fn func(ctx context.Context) error) error
}

// Matches reports whether a credential may take part in authentication or uniqueness checks.
func Matches(cred *models.Credential, now time.Time) bool {
	return cred != nil && cred.Usable(now)
}

// OrderCandidates sorts credentials in resolution order in place.
func OrderCandidates(creds []*models.Credential, deviceID string) {
	sort.SliceStable(creds, func(i, j int) bool {
		a, b := creds[i], creds[j]
		if deviceID != "" {
			am, bm := a.DeviceID() == deviceID, b.DeviceID() == deviceID
			if am != bm {
				return am
			}
		}
		if a.IsPrimary != b.IsPrimary {
			return a.IsPrimary
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}
