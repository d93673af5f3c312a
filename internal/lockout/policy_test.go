package lockout_test

import (
	"context"
	"testing"
	"time"

	"clinical-auth/internal/config"
	"clinical-auth/internal/lockout"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *memory.CredentialStore
	cred   *models.Credential
	now    time.Time
	policy *lockout.EnforcingPolicy
}

func newFixture(t *testing.T, threshold int, window time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewCredentialStore(),
		now:   time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(func() time.Time { return f.now })
	f.cred = &models.Credential{
		SubjectType: models.SubjectPatient,
		SubjectID:   "7",
		Method:      models.MethodPIN,
		Device:      &models.DeviceBinding{DeviceID: "dev-1"},
		Active:      true,
	}
	require.NoError(t, f.store.Upsert(context.Background(), f.cred))
	f.policy = lockout.NewEnforcingPolicy(f.store, threshold, window, func() time.Time { return f.now })
	return f
}

func (f *fixture) reload(t *testing.T) *models.Credential {
	t.Helper()
	cred, err := f.store.Get(context.Background(), f.cred.ID)
	require.NoError(t, err)
	return cred
}

func TestEnforcingPolicy_LocksAtThreshold(t *testing.T) {
	f := newFixture(t, 3, 15*time.Minute)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		out, err := f.policy.RecordFailure(ctx, f.reload(t))
		require.NoError(t, err)
		assert.Equal(t, i, out.FailedAttempts)
		assert.False(t, out.Locked)
	}

	out, err := f.policy.RecordFailure(ctx, f.reload(t))
	require.NoError(t, err)
	assert.True(t, out.Locked)
	assert.Equal(t, 3, out.FailedAttempts)
	require.NotNil(t, out.LockedUntil)
	assert.True(t, out.LockedUntil.Equal(f.now.Add(15*time.Minute)))

	locked, until := f.policy.IsLocked(f.reload(t), f.now.Add(14*time.Minute))
	assert.True(t, locked)
	assert.NotNil(t, until)
}

func TestEnforcingPolicy_CounterHoldsWhileLocked(t *testing.T) {
	f := newFixture(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.policy.RecordFailure(ctx, f.reload(t))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.reload(t).FailedAttempts)
}

func TestEnforcingPolicy_WindowExpiryResets(t *testing.T) {
	f := newFixture(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.policy.RecordFailure(ctx, f.reload(t))
		require.NoError(t, err)
	}

	f.now = f.now.Add(2 * time.Minute)
	locked, _ := f.policy.IsLocked(f.reload(t), f.now)
	assert.False(t, locked)

	out, err := f.policy.RecordFailure(ctx, f.reload(t))
	require.NoError(t, err)
	assert.Equal(t, 1, out.FailedAttempts)
	assert.False(t, out.Locked)
}

func TestEnforcingPolicy_SuccessResets(t *testing.T) {
	f := newFixture(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.policy.RecordFailure(ctx, f.reload(t))
		require.NoError(t, err)
	}
	require.NoError(t, f.policy.RecordSuccess(ctx, f.reload(t)))

	cred := f.reload(t)
	assert.Zero(t, cred.FailedAttempts)
	assert.Nil(t, cred.LockedUntil)
}

func TestNoopPolicy(t *testing.T) {
	policy := lockout.NoopPolicy{}
	until := time.Now().Add(time.Hour)
	cred := &models.Credential{FailedAttempts: 99, LockedUntil: &until}

	locked, _ := policy.IsLocked(cred, time.Now())
	assert.False(t, locked)
	assert.False(t, policy.Enforcing())

	out, err := policy.RecordFailure(context.Background(), cred)
	require.NoError(t, err)
	assert.False(t, out.Locked)
	assert.NoError(t, policy.RecordSuccess(context.Background(), cred))
}

func TestNew_SelectsByConfig(t *testing.T) {
	store := memory.NewCredentialStore()

	cfg := &config.Config{}
	cfg.Lockout.Policy = "enforcing"
	cfg.Lockout.Threshold = 5
	cfg.Lockout.Window = time.Minute
	p, err := lockout.New(cfg, store)
	require.NoError(t, err)
	assert.Equal(t, lockout.PolicyEnforcing, p.Name())

	cfg.Lockout.Policy = "noop"
	p, err = lockout.New(cfg, store)
	require.NoError(t, err)
	assert.Equal(t, lockout.PolicyNoop, p.Name())

	cfg.Lockout.Policy = "off"
	_, err = lockout.New(cfg, store)
	assert.Error(t, err)
}
