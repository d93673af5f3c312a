// Package memory holds in-process implementations of the repositories, used by the
// development profile and by tests.
package memory

import (
	"context"
	"sync"
	"time"

	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"

	"github.com/google/uuid"
)

type CredentialStore struct {
	mu    sync.RWMutex
	creds map[uuid.UUID]*models.Credential
	now   func() time.Time
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		creds: make(map[uuid.UUID]*models.Credential),
		now:   time.Now,
	}
}

// SetClock overrides the clock used for expiry checks.
func (s *CredentialStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *CredentialStore) FindActive(_ context.Context, subjectType models.SubjectType, subjectID string, method models.Method, deviceID string) ([]*models.Credential, error) {
	out := s.filter(func(c *models.Credential) bool {
		return c.SubjectType == subjectType && c.SubjectID == subjectID && c.Method == method
	})
	repository.OrderCandidates(out, deviceID)
	return out, nil
}

func (s *CredentialStore) FindAllActiveByMethod(_ context.Context, subjectType models.SubjectType, method models.Method, deviceID string) ([]*models.Credential, error) {
	out := s.filter(func(c *models.Credential) bool {
		return c.SubjectType == subjectType && c.Method == method
	})
	repository.OrderCandidates(out, deviceID)
	return out, nil
}

func (s *CredentialStore) FindByLookupIndex(_ context.Context, subjectType models.SubjectType, method models.Method, index string) ([]*models.Credential, error) {
	if index == "" {
		return nil, nil
	}
	out := s.filter(func(c *models.Credential) bool {
		return c.SubjectType == subjectType && c.Method == method && c.LookupIndex == index
	})
	repository.OrderCandidates(out, "")
	return out, nil
}

func (s *CredentialStore) Get(_ context.Context, id uuid.UUID) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cred.Clone(), nil
}

func (s *CredentialStore) ListActive(_ context.Context, subjectType models.SubjectType, subjectID string) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Credential
	for _, c := range s.creds {
		if c.Active && c.SubjectType == subjectType && c.SubjectID == subjectID {
			out = append(out, c.Clone())
		}
	}
	repository.OrderCandidates(out, "")
	return out, nil
}

func (s *CredentialStore) Upsert(_ context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	if existing, ok := s.creds[cred.ID]; ok {
		cred.Version = existing.Version + 1
	} else {
		cred.Version = 1
	}

	if cred.Active && cred.IsPrimary {
		for id, other := range s.creds {
			if id == cred.ID || !other.Active || !other.IsPrimary {
				continue
			}
			if other.SubjectType == cred.SubjectType && other.SubjectID == cred.SubjectID && other.Method == cred.Method {
				other.IsPrimary = false
				other.UpdatedAt = now
				other.Version++
			}
		}
	}

	s.creds[cred.ID] = cred.Clone()
	return nil
}

func (s *CredentialStore) UpdateAttempts(_ context.Context, id uuid.UUID, fn repository.AttemptsFunc) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cred.FailedAttempts, cred.LockedUntil = fn(cred.FailedAttempts, cred.LockedUntil)
	cred.UpdatedAt = s.now().UTC()
	cred.Version++
	return cred.Clone(), nil
}

func (s *CredentialStore) MarkUsed(_ context.Context, id uuid.UUID, at time.Time, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[id]
	if !ok {
		return repository.ErrNotFound
	}
	used := at.UTC()
	cred.LastUsedAt = &used
	if len(metadata) > 0 {
		if cred.Metadata == nil {
			cred.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			cred.Metadata[k] = v
		}
	}
	cred.UpdatedAt = used
	cred.Version++
	return nil
}

func (s *CredentialStore) UpdateSecret(_ context.Context, id uuid.UUID, secretMaterial, lookupIndex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[id]
	if !ok {
		return repository.ErrNotFound
	}
	cred.SecretMaterial = secretMaterial
	cred.LookupIndex = lookupIndex
	cred.UpdatedAt = s.now().UTC()
	cred.Version++
	return nil
}

func (s *CredentialStore) Deactivate(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[id]
	if !ok {
		return repository.ErrNotFound
	}
	cred.Active = false
	cred.UpdatedAt = s.now().UTC()
	cred.Version++
	return nil
}

func (s *CredentialStore) filter(keep func(*models.Credential) bool) []*models.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []*models.Credential
	for _, c := range s.creds {
		if repository.Matches(c, now) && keep(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Locker serializes provisioning per subject type and method within one process.
type Locker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocker() *Locker {
	return &Locker{slots: make(map[string]chan struct{})}
}

func (l *Locker) WithLock(ctx context.Context, subjectType models.SubjectType, method models.Method, fn func(ctx context.Context) error) error {
	slot := l.slot(string(subjectType) + ":" + string(method))

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return repository.ErrLockTimeout
	}
	defer func() { <-slot }()

	return fn(ctx)
}

func (l *Locker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}
