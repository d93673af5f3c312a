package service

import (
	"context"
	"fmt"
	"time"

	"clinical-auth/internal/metrics"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"

	"go.uber.org/zap"
)

// PinUniquenessGuard checks that no other active patient holds a PIN. Candidates sharing the
// keyed lookup index are verified first; credentials written before the index existed are
// covered by a linear hash scan.
type PinUniquenessGuard struct {
	store  repository.CredentialStore
	hasher SecretHasher
	logger *zap.Logger
}

func NewPinUniquenessGuard(store repository.CredentialStore, hasher SecretHasher, logger *zap.Logger) *PinUniquenessGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PinUniquenessGuard{store: store, hasher: hasher, logger: logger}
}

// IsUnique returns false on the first active patient PIN credential, outside
// excludingSubjectID, that verifies against pin.
func (g *PinUniquenessGuard) IsUnique(ctx context.Context, pin, excludingSubjectID string) (bool, error) {
	start := time.Now()
	verified := 0
	defer func() { metrics.RecordScan("uniqueness", verified) }()

	match := func(c *models.Credential) bool {
		if c.SubjectID == excludingSubjectID {
			return false
		}
		verified++
		ok, err := g.hasher.Verify(models.MethodPIN, pin, c.SecretMaterial)
		if err != nil {
			// unreadable material cannot collide; skip it rather than block provisioning
			g.logger.Warn("Skipping unverifiable PIN credential",
				zap.String("credential_id", c.ID.String()),
				zap.Error(err))
			return false
		}
		return ok
	}

	index := g.hasher.LookupIndex(models.MethodPIN, pin)
	indexed, err := g.store.FindByLookupIndex(ctx, models.SubjectPatient, models.MethodPIN, index)
	if err != nil {
		return false, fmt.Errorf("failed to look up PIN index: %w", err)
	}
	for _, c := range indexed {
		if match(c) {
			return false, nil
		}
	}

	all, err := g.store.FindAllActiveByMethod(ctx, models.SubjectPatient, models.MethodPIN, "")
	if err != nil {
		return false, fmt.Errorf("failed to list PIN credentials: %w", err)
	}
	for _, c := range all {
		if c.LookupIndex != "" {
			continue
		}
		if match(c) {
			return false, nil
		}
	}

	g.logger.Debug("PIN uniqueness check passed",
		zap.Int("verified", verified),
		zap.Duration("took", time.Since(start)))
	return true, nil
}
