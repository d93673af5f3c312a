// Package lockout tracks failed attempts per credential and decides when a credential is
// temporarily locked.
package lockout

import (
	"context"
	"fmt"
	"time"

	"clinical-auth/internal/config"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"
	"clinical-auth/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	PolicyEnforcing = "enforcing"
	PolicyNoop      = "noop"
)

// AttemptsStore is the part of the credential store the policy writes through.
type AttemptsStore interface {
	UpdateAttempts(ctx context.Context, id uuid.UUID, fn repository.AttemptsFunc) (*models.Credential, error)
}

// Outcome is the credential state after a failure was recorded.
type Outcome struct {
	FailedAttempts int
	Locked         bool
	LockedUntil    *time.Time
}

type Policy interface {
	Name() string
	Enforcing() bool
	// IsLocked reports whether the credential is inside its lockout window at now.
	IsLocked(cred *models.Credential, now time.Time) (bool, *time.Time)
	RecordFailure(ctx context.Context, cred *models.Credential) (Outcome, error)
	RecordSuccess(ctx context.Context, cred *models.Credential) error
}

// New selects the policy named in config.
func New(cfg *config.Config, store AttemptsStore) (Policy, error) {
	switch cfg.Lockout.Policy {
	case PolicyEnforcing:
		return NewEnforcingPolicy(store, cfg.Lockout.Threshold, cfg.Lockout.Window, time.Now), nil
	case PolicyNoop:
		if cfg.IsProduction() {
			util.Warn("Lockout policy is noop in production; failed attempts are not counted")
		}
		return NoopPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown lockout policy %q", cfg.Lockout.Policy)
	}
}

// EnforcingPolicy locks a credential for Window once Threshold consecutive failures
// are recorded. The counter holds at the threshold until a success or window expiry.
type EnforcingPolicy struct {
	store     AttemptsStore
	threshold int
	window    time.Duration
	now       func() time.Time
}

func NewEnforcingPolicy(store AttemptsStore, threshold int, window time.Duration, now func() time.Time) *EnforcingPolicy {
	if now == nil {
		now = time.Now
	}
	return &EnforcingPolicy{
		store:     store,
		threshold: threshold,
		window:    window,
		now:       now,
	}
}

func (p *EnforcingPolicy) Name() string    { return PolicyEnforcing }
func (p *EnforcingPolicy) Enforcing() bool { return true }

func (p *EnforcingPolicy) IsLocked(cred *models.Credential, now time.Time) (bool, *time.Time) {
	if cred.LockedUntil != nil && now.Before(*cred.LockedUntil) {
		until := *cred.LockedUntil
		return true, &until
	}
	return false, nil
}

func (p *EnforcingPolicy) RecordFailure(ctx context.Context, cred *models.Credential) (Outcome, error) {
	now := p.now().UTC()

	updated, err := p.store.UpdateAttempts(ctx, cred.ID, func(failed int, lockedUntil *time.Time) (int, *time.Time) {
		if lockedUntil != nil {
			if now.Before(*lockedUntil) {
				return failed, lockedUntil
			}
			// window elapsed; the streak starts over
			failed, lockedUntil = 0, nil
		}
		if failed >= p.threshold {
			failed = p.threshold - 1
		}
		failed++
		if failed >= p.threshold {
			until := now.Add(p.window)
			return failed, &until
		}
		return failed, nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to record failed attempt: %w", err)
	}

	locked, until := p.IsLocked(updated, now)
	if locked {
		util.Warn("Credential locked after repeated failures",
			zap.String("credential_id", updated.ID.String()),
			zap.String("subject_type", string(updated.SubjectType)),
			zap.String("subject_id", updated.SubjectID),
			zap.Int("failed_attempts", updated.FailedAttempts),
			zap.Time("locked_until", *until),
		)
	}

	return Outcome{
		FailedAttempts: updated.FailedAttempts,
		Locked:         locked,
		LockedUntil:    until,
	}, nil
}

func (p *EnforcingPolicy) RecordSuccess(ctx context.Context, cred *models.Credential) error {
	if cred.FailedAttempts == 0 && cred.LockedUntil == nil {
		return nil
	}
	_, err := p.store.UpdateAttempts(ctx, cred.ID, func(int, *time.Time) (int, *time.Time) {
		return 0, nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset failed attempts: %w", err)
	}
	return nil
}

// NoopPolicy never locks and records nothing. Selected explicitly for non-production use.
type NoopPolicy struct{}

func (NoopPolicy) Name() string    { return PolicyNoop }
func (NoopPolicy) Enforcing() bool { return false }

func (NoopPolicy) IsLocked(*models.Credential, time.Time) (bool, *time.Time) {
	return false, nil
}

func (NoopPolicy) RecordFailure(context.Context, *models.Credential) (Outcome, error) {
	return Outcome{}, nil
}

func (NoopPolicy) RecordSuccess(context.Context, *models.Credential) error {
	return nil
}
