package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinical-auth/internal/biometric"
	"clinical-auth/internal/metrics"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"
	"clinical-auth/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProvisionOptions carries the per-method extras for Provision.
type ProvisionOptions struct {
	DeviceID      string
	DeviceName    string
	DeviceClass   string
	IsPrimary     bool
	BiometricType models.BiometricType
	// CredentialKeyID identifies a biometric key when the device id is not known; it then
	// doubles as the device binding.
	CredentialKeyID string
	ExpiresAt       *time.Time
}

// ChangeSecretRequest rotates a PIN or password.
type ChangeSecretRequest struct {
	SubjectType models.SubjectType
	SubjectID   string
	Method      models.Method
	OldSecret   string
	NewSecret   string
	DeviceID    string
}

// ProvisioningService validates and writes credentials.
type ProvisioningService struct {
	deps  Dependencies
	guard *PinUniquenessGuard
}

func NewProvisioningService(deps Dependencies) (*ProvisioningService, error) {
	if err := checkRequired(
		requirement{"Store", deps.Store != nil},
		requirement{"Locker", deps.Locker != nil},
		requirement{"Subjects", deps.Subjects != nil},
		requirement{"Hasher", deps.Hasher != nil},
	); err != nil {
		return nil, err
	}

	d := deps.withDefaults()
	return &ProvisioningService{
		deps:  d,
		guard: NewPinUniquenessGuard(d.Store, d.Hasher, d.Logger),
	}, nil
}

// Provision creates a credential. Nothing is written unless every rule passes.
func (s *ProvisioningService) Provision(ctx context.Context, subjectType models.SubjectType, subjectID string, method models.Method, secret string, opts ProvisionOptions) (*models.CredentialMeta, error) {
	meta, err := s.provision(ctx, subjectType, subjectID, method, secret, opts)
	if err != nil {
		metrics.RecordCredentialOp("provision", string(method), outcomeFor(err))
		s.deps.Events.Record(ctx, s.event(models.EventCredentialRejected, subjectType, subjectID, method, opts.DeviceID, func(e *models.SecurityEvent) {
			e.Reason = reasonFor(err)
		}))
		return nil, err
	}

	metrics.RecordCredentialOp("provision", string(method), metrics.OutcomeSuccess)
	s.deps.Events.Record(ctx, s.event(models.EventCredentialCreated, subjectType, subjectID, method, meta.DeviceID, func(e *models.SecurityEvent) {
		e.CredentialID = meta.ID.String()
		if meta.IsPrimary {
			e.Details = map[string]string{"is_primary": "true"}
		}
	}))
	s.deps.Logger.Info("Credential provisioned",
		zap.String("credential_id", meta.ID.String()),
		zap.String("subject_type", string(subjectType)),
		zap.String("subject_id", subjectID),
		zap.String("method", string(method)),
		zap.Bool("is_primary", meta.IsPrimary))
	return meta, nil
}

func (s *ProvisioningService) provision(ctx context.Context, subjectType models.SubjectType, subjectID string, method models.Method, secret string, opts ProvisionOptions) (*models.CredentialMeta, error) {
	if err := validateSubject(subjectType, subjectID); err != nil {
		return nil, err
	}
	if err := validateMethod(method); err != nil {
		return nil, err
	}
	if util.ContainsSuspicious(opts.DeviceID) || util.ContainsSuspicious(opts.CredentialKeyID) {
		return nil, fmt.Errorf("%w: device and key ids must be plain tokens", ErrInvalidRequest)
	}
	now := s.deps.Now().UTC()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidRequest)
	}
	if err := s.requireActiveSubject(ctx, subjectType, subjectID); err != nil {
		return nil, err
	}

	cred := &models.Credential{
		ID:          uuid.New(),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Method:      method,
		IsPrimary:   opts.IsPrimary,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   opts.ExpiresAt,
		Active:      true,
	}

	switch method {
	case models.MethodPIN:
		if opts.DeviceID == "" {
			return nil, fmt.Errorf("%w: PIN credentials must be bound to a device", ErrDeviceBindingRequired)
		}
		if err := ValidatePIN(secret); err != nil {
			return nil, err
		}
		cred.Device = deviceBinding(opts.DeviceID, opts.DeviceName, opts.DeviceClass)

	case models.MethodPassword:
		if err := ValidatePassword(secret); err != nil {
			return nil, err
		}
		// passwords are device-agnostic; any binding supplied is ignored

	case models.MethodBiometric:
		if !opts.BiometricType.IsValid() {
			return nil, fmt.Errorf("%w: unknown biometric type %q", ErrMalformedBiometricKey, opts.BiometricType)
		}
		if err := biometric.ValidatePublicKey(secret); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBiometricKey, err)
		}
		deviceID := opts.DeviceID
		if deviceID == "" {
			deviceID = opts.CredentialKeyID
		}
		if deviceID == "" {
			return nil, fmt.Errorf("%w: biometric credentials need a device or key id", ErrDeviceBindingRequired)
		}
		cred.Device = deviceBinding(deviceID, opts.DeviceName, opts.DeviceClass)
		cred.SecretMaterial = secret
		cred.Metadata = map[string]string{models.MetaBiometricType: string(opts.BiometricType)}
		if opts.CredentialKeyID != "" {
			cred.Metadata[models.MetaKeyID] = opts.CredentialKeyID
		}
	}

	if method.IsHashed() {
		material, err := s.deps.Hasher.Hash(method, secret)
		if err != nil {
			return nil, fmt.Errorf("failed to hash secret: %w", err)
		}
		cred.SecretMaterial = material
		if method == models.MethodPIN {
			cred.LookupIndex = s.deps.Hasher.LookupIndex(method, secret)
		}
	}

	err := s.deps.Locker.WithLock(ctx, subjectType, method, func(ctx context.Context) error {
		if subjectType == models.SubjectPatient && method == models.MethodPIN {
			unique, err := s.guard.IsUnique(ctx, secret, subjectID)
			if err != nil {
				return err
			}
			if !unique {
				return fmt.Errorf("%w: choose a different PIN", ErrDuplicateSecret)
			}
		}
		if err := s.deps.Store.Upsert(ctx, cred); err != nil {
			return fmt.Errorf("failed to store credential: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	meta := cred.Meta()
	return &meta, nil
}

// ChangeSecret rotates a PIN or password after re-verifying the old secret.
func (s *ProvisioningService) ChangeSecret(ctx context.Context, req ChangeSecretRequest) (*models.CredentialMeta, error) {
	meta, cred, err := s.changeSecret(ctx, req)
	if err != nil {
		metrics.RecordCredentialOp("rotate", string(req.Method), outcomeFor(err))
		s.deps.Events.Record(ctx, s.event(models.EventCredentialRejected, req.SubjectType, req.SubjectID, req.Method, req.DeviceID, func(e *models.SecurityEvent) {
			e.Reason = reasonFor(err)
			e.Details = map[string]string{"operation": "rotate"}
			if cred != nil {
				e.CredentialID = cred.ID.String()
			}
		}))
		return nil, err
	}

	metrics.RecordCredentialOp("rotate", string(req.Method), metrics.OutcomeSuccess)
	s.deps.Events.Record(ctx, s.event(models.EventCredentialRotated, req.SubjectType, req.SubjectID, req.Method, meta.DeviceID, func(e *models.SecurityEvent) {
		e.CredentialID = meta.ID.String()
	}))
	s.deps.Logger.Info("Credential secret rotated",
		zap.String("credential_id", meta.ID.String()),
		zap.String("subject_type", string(req.SubjectType)),
		zap.String("subject_id", req.SubjectID),
		zap.String("method", string(req.Method)))
	return meta, nil
}

func (s *ProvisioningService) changeSecret(ctx context.Context, req ChangeSecretRequest) (*models.CredentialMeta, *models.Credential, error) {
	if err := validateSubject(req.SubjectType, req.SubjectID); err != nil {
		return nil, nil, err
	}
	if !req.Method.IsHashed() {
		return nil, nil, fmt.Errorf("%w: only PIN and password secrets can be changed", ErrInvalidRequest)
	}
	if req.OldSecret == req.NewSecret {
		return nil, nil, fmt.Errorf("%w: new secret must differ from the current one", ErrWeakSecret)
	}
	if err := validateSecret(req.Method, req.NewSecret); err != nil {
		return nil, nil, err
	}
	if err := s.requireActiveSubject(ctx, req.SubjectType, req.SubjectID); err != nil {
		return nil, nil, err
	}

	candidates, err := s.deps.Store.FindActive(ctx, req.SubjectType, req.SubjectID, req.Method, req.DeviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	cred, _ := resolveKnown(candidates, req.Method, req.DeviceID)
	if cred == nil {
		return nil, nil, ErrCredentialNotFound
	}

	now := s.deps.Now()
	if locked, until := s.deps.Lockout.IsLocked(cred, now); locked {
		return nil, cred, lockedError(until)
	}

	ok, err := s.deps.Hasher.Verify(req.Method, req.OldSecret, cred.SecretMaterial)
	if err != nil {
		s.deps.Logger.Error("Stored secret could not be verified",
			zap.String("credential_id", cred.ID.String()),
			zap.Error(err))
	}
	if !ok {
		outcome, ferr := s.deps.Lockout.RecordFailure(ctx, cred)
		if ferr != nil {
			return nil, cred, ferr
		}
		if outcome.Locked {
			metrics.RecordLockout(string(cred.SubjectType), string(cred.Method))
			return nil, cred, lockedError(outcome.LockedUntil)
		}
		return nil, cred, ErrInvalidCredential
	}

	material, err := s.deps.Hasher.Hash(req.Method, req.NewSecret)
	if err != nil {
		return nil, cred, fmt.Errorf("failed to hash secret: %w", err)
	}
	index := ""
	if req.Method == models.MethodPIN {
		index = s.deps.Hasher.LookupIndex(req.Method, req.NewSecret)
	}

	err = s.deps.Locker.WithLock(ctx, req.SubjectType, req.Method, func(ctx context.Context) error {
		if req.SubjectType == models.SubjectPatient && req.Method == models.MethodPIN {
			unique, err := s.guard.IsUnique(ctx, req.NewSecret, req.SubjectID)
			if err != nil {
				return err
			}
			if !unique {
				return fmt.Errorf("%w: choose a different PIN", ErrDuplicateSecret)
			}
		}
		if err := s.deps.Store.UpdateSecret(ctx, cred.ID, material, index); err != nil {
			return fmt.Errorf("failed to store new secret: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, cred, err
	}

	if err := s.deps.Lockout.RecordSuccess(ctx, cred); err != nil {
		s.deps.Logger.Warn("Failed to reset attempts after rotation",
			zap.String("credential_id", cred.ID.String()),
			zap.Error(err))
	}

	updated, err := s.deps.Store.Get(ctx, cred.ID)
	if err != nil {
		return nil, cred, fmt.Errorf("failed to reload credential: %w", err)
	}
	meta := updated.Meta()
	return &meta, updated, nil
}

// Revoke deactivates a credential. Revoking an already inactive credential is a no-op.
func (s *ProvisioningService) Revoke(ctx context.Context, credentialID uuid.UUID) error {
	cred, err := s.deps.Store.Get(ctx, credentialID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrCredentialNotFound
		}
		return fmt.Errorf("failed to load credential: %w", err)
	}
	if !cred.Active {
		return nil
	}

	if err := s.deps.Store.Deactivate(ctx, credentialID); err != nil {
		metrics.RecordCredentialOp("revoke", string(cred.Method), metrics.OutcomeError)
		return fmt.Errorf("failed to revoke credential: %w", err)
	}

	metrics.RecordCredentialOp("revoke", string(cred.Method), metrics.OutcomeSuccess)
	s.deps.Events.Record(ctx, s.event(models.EventCredentialRevoked, cred.SubjectType, cred.SubjectID, cred.Method, cred.DeviceID(), func(e *models.SecurityEvent) {
		e.CredentialID = cred.ID.String()
	}))
	s.deps.Logger.Info("Credential revoked",
		zap.String("credential_id", cred.ID.String()),
		zap.String("subject_type", string(cred.SubjectType)),
		zap.String("subject_id", cred.SubjectID))
	return nil
}

// ListActive returns the subject's active credentials, secrets stripped.
func (s *ProvisioningService) ListActive(ctx context.Context, subjectType models.SubjectType, subjectID string) ([]models.CredentialMeta, error) {
	if err := validateSubject(subjectType, subjectID); err != nil {
		return nil, err
	}
	creds, err := s.deps.Store.ListActive(ctx, subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	out := make([]models.CredentialMeta, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.Meta())
	}
	return out, nil
}

func (s *ProvisioningService) requireActiveSubject(ctx context.Context, subjectType models.SubjectType, subjectID string) error {
	return requireActiveSubject(ctx, s.deps.Subjects, subjectType, subjectID)
}

func (s *ProvisioningService) event(eventType models.SecurityEventType, subjectType models.SubjectType, subjectID string, method models.Method, deviceID string, fill func(*models.SecurityEvent)) *models.SecurityEvent {
	return newEvent(s.deps.Now(), eventType, subjectType, subjectID, method, deviceID, fill)
}

func requireActiveSubject(ctx context.Context, subjects SubjectRepository, subjectType models.SubjectType, subjectID string) error {
	active, err := subjects.IsActive(ctx, subjectType, subjectID)
	if err != nil {
		return fmt.Errorf("failed to check subject: %w", err)
	}
	if !active {
		return ErrSubjectInactiveOrMissing
	}
	return nil
}

func deviceBinding(deviceID, name, class string) *models.DeviceBinding {
	return &models.DeviceBinding{
		DeviceID:    deviceID,
		DeviceName:  util.SanitizeLabel(name),
		DeviceClass: util.SanitizeLabel(class),
	}
}

func newEvent(now time.Time, eventType models.SecurityEventType, subjectType models.SubjectType, subjectID string, method models.Method, deviceID string, fill func(*models.SecurityEvent)) *models.SecurityEvent {
	e := &models.SecurityEvent{
		EventID:     uuid.New(),
		EventTime:   now.UTC(),
		EventType:   eventType,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Method:      method,
		DeviceID:    deviceID,
	}
	if fill != nil {
		fill(e)
	}
	return e
}

// reasonFor maps an error to a stable audit reason without leaking detail.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrCredentialNotFound):
		return "credential_not_found"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrWeakSecret):
		return "weak_secret"
	case errors.Is(err, ErrDuplicateSecret):
		return "duplicate_secret"
	case errors.Is(err, ErrDeviceBindingRequired):
		return "device_binding_required"
	case errors.Is(err, ErrMalformedBiometricKey):
		return "malformed_biometric_key"
	case errors.Is(err, ErrSubjectInactiveOrMissing):
		return "subject_inactive_or_missing"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	}
	return "internal_error"
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredential):
		return metrics.OutcomeInvalid
	case errors.Is(err, ErrAccountLocked):
		return metrics.OutcomeLocked
	case errors.Is(err, ErrCredentialNotFound):
		return metrics.OutcomeNotFound
	case reasonFor(err) == "internal_error":
		return metrics.OutcomeError
	}
	return metrics.OutcomeRejected
}
