package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clinical-auth/internal/biometric"
	"clinical-auth/internal/hashing"
	"clinical-auth/internal/lockout"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository/memory"
	"clinical-auth/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingHasher counts stored-hash verifications.
type countingHasher struct {
	*hashing.Hasher
	verifies atomic.Int64
}

func (c *countingHasher) Verify(method models.Method, secret, material string) (bool, error) {
	c.verifies.Add(1)
	return c.Hasher.Verify(method, secret, material)
}

type recordedEvents struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (r *recordedEvents) Record(_ context.Context, e *models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordedEvents) last() *models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

var (
	testArgon2 = hashing.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1}
	testPepper = hashing.Pepper{Value: "test-pepper", Version: 1}
)

type harness struct {
	t          *testing.T
	now        time.Time
	store      *memory.CredentialStore
	subjects   *memory.SubjectRepository
	challenges *memory.ChallengeStore
	hasher     *countingHasher
	events     *recordedEvents
	prov       *service.ProvisioningService
	engine     *service.AuthenticationEngine
}

type harnessOption func(*harness, *service.Dependencies)

func withNoopLockout() harnessOption {
	return func(_ *harness, d *service.Dependencies) {
		d.Lockout = lockout.NoopPolicy{}
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	inner, err := hashing.NewHasherWithParams(testArgon2, []hashing.Pepper{testPepper}, []byte("test-index-key"))
	require.NoError(t, err)

	h := &harness{
		t:          t,
		now:        time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		store:      memory.NewCredentialStore(),
		subjects:   memory.NewSubjectRepository(),
		challenges: memory.NewChallengeStore(),
		hasher:     &countingHasher{Hasher: inner},
		events:     &recordedEvents{},
	}
	clock := func() time.Time { return h.now }
	h.store.SetClock(clock)
	h.challenges.SetClock(clock)

	deps := service.Dependencies{
		Store:        h.store,
		Locker:       memory.NewLocker(),
		Subjects:     h.subjects,
		Challenges:   h.challenges,
		Hasher:       h.hasher,
		Verifier:     biometric.NewVerifier(),
		Lockout:      lockout.NewEnforcingPolicy(h.store, 5, 15*time.Minute, clock),
		Events:       h.events,
		Logger:       zap.NewNop(),
		ChallengeTTL: 2 * time.Minute,
		Now:          clock,
	}
	for _, opt := range opts {
		opt(h, &deps)
	}

	h.prov, err = service.NewProvisioningService(deps)
	require.NoError(t, err)
	h.engine, err = service.NewAuthenticationEngine(deps)
	require.NoError(t, err)
	return h
}

func (h *harness) patient(ids ...string) {
	for _, id := range ids {
		h.subjects.Put(models.SubjectPatient, id, true)
	}
}

func (h *harness) provisionPIN(subjectID, pin, deviceID string, primary bool) *models.CredentialMeta {
	h.t.Helper()
	meta, err := h.prov.Provision(context.Background(), models.SubjectPatient, subjectID, models.MethodPIN, pin,
		service.ProvisionOptions{DeviceID: deviceID, IsPrimary: primary})
	require.NoError(h.t, err)
	return meta
}

// legacyPIN stores a PIN credential without a lookup index, as written before indexing existed.
func (h *harness) legacyPIN(subjectID, pin, deviceID string, primary bool) *models.Credential {
	h.t.Helper()
	material, err := h.hasher.Hash(models.MethodPIN, pin)
	require.NoError(h.t, err)
	cred := &models.Credential{
		SubjectType:    models.SubjectPatient,
		SubjectID:      subjectID,
		Method:         models.MethodPIN,
		SecretMaterial: material,
		Device:         &models.DeviceBinding{DeviceID: deviceID},
		IsPrimary:      primary,
		Active:         true,
	}
	require.NoError(h.t, h.store.Upsert(context.Background(), cred))
	return cred
}

func (h *harness) loginPIN(subjectID, pin, deviceID string) (*models.Principal, error) {
	return h.engine.Authenticate(context.Background(), service.AuthRequest{
		SubjectType: models.SubjectPatient,
		SubjectID:   subjectID,
		Method:      models.MethodPIN,
		Secret:      pin,
		DeviceID:    deviceID,
	})
}

func (h *harness) credential(id uuid.UUID) *models.Credential {
	h.t.Helper()
	cred, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return cred
}

// swapHasher replaces the hasher behind the running services, as a restart with new
// hashing config would.
func (h *harness) swapHasher(params hashing.Argon2Params, peppers ...hashing.Pepper) {
	h.t.Helper()
	inner, err := hashing.NewHasherWithParams(params, peppers, []byte("test-index-key"))
	require.NoError(h.t, err)
	h.hasher.Hasher = inner
}
