package memory

import (
	"context"
	"sync"
	"time"

	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"
)

// ChallengeStore keeps biometric nonces until they are consumed or expire.
type ChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]*models.Challenge
	now        func() time.Time
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{
		challenges: make(map[string]*models.Challenge),
		now:        time.Now,
	}
}

func (s *ChallengeStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *ChallengeStore) Save(_ context.Context, ch *models.Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *ch
	stored.ExpiresAt = s.now().Add(ttl)
	s.challenges[ch.Nonce] = &stored

	// drop expired entries so abandoned challenges do not accumulate
	now := s.now()
	for nonce, c := range s.challenges {
		if !c.ExpiresAt.After(now) {
			delete(s.challenges, nonce)
		}
	}
	return nil
}

func (s *ChallengeStore) Consume(_ context.Context, nonce string) (*models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[nonce]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(s.challenges, nonce)
	if !ch.ExpiresAt.After(s.now()) {
		return nil, repository.ErrNotFound
	}
	return ch, nil
}
