package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"clinical-auth/internal/metrics"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"

	"go.uber.org/zap"
)

// AuthRequest is one login attempt. An empty SubjectID means the subject is unknown, which
// is only allowed for patient PIN logins.
type AuthRequest struct {
	SubjectType models.SubjectType
	SubjectID   string
	Method      models.Method
	Secret      string
	DeviceID    string
	Challenge   string
	Signature   string
}

// AuthenticationEngine resolves the credential for a login, verifies it and maintains the
// lockout bookkeeping.
type AuthenticationEngine struct {
	deps Dependencies
}

func NewAuthenticationEngine(deps Dependencies) (*AuthenticationEngine, error) {
	if err := checkRequired(
		requirement{"Store", deps.Store != nil},
		requirement{"Subjects", deps.Subjects != nil},
		requirement{"Challenges", deps.Challenges != nil},
		requirement{"Hasher", deps.Hasher != nil},
		requirement{"Verifier", deps.Verifier != nil},
	); err != nil {
		return nil, err
	}
	return &AuthenticationEngine{deps: deps.withDefaults()}, nil
}

// LockoutPolicy reports the active policy name.
func (e *AuthenticationEngine) LockoutPolicy() string {
	return e.deps.Lockout.Name()
}

func (e *AuthenticationEngine) Authenticate(ctx context.Context, req AuthRequest) (*models.Principal, error) {
	start := time.Now()

	principal, cred, resolution, err := e.authenticate(ctx, req)

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = outcomeFor(err)
	}
	metrics.RecordLogin(string(req.SubjectType), string(req.Method), string(resolution), outcome, time.Since(start))

	if err != nil {
		eventType := models.EventLoginFailed
		if errors.Is(err, ErrAccountLocked) {
			eventType = models.EventLoginLocked
		}
		e.deps.Events.Record(ctx, newEvent(e.deps.Now(), eventType, req.SubjectType, req.SubjectID, req.Method, req.DeviceID, func(ev *models.SecurityEvent) {
			ev.Resolution = resolution
			ev.Reason = reasonFor(err)
			// a global scan never names the candidate it tried
			if cred != nil && resolution != models.ResolutionGlobalScan {
				ev.CredentialID = cred.ID.String()
			}
		}))
		e.deps.Logger.Info("Authentication failed",
			zap.String("subject_type", string(req.SubjectType)),
			zap.String("subject_id", req.SubjectID),
			zap.String("method", string(req.Method)),
			zap.String("resolution", string(resolution)),
			zap.String("reason", reasonFor(err)))
		return nil, err
	}

	e.deps.Events.Record(ctx, newEvent(principal.AuthenticatedAt, models.EventLoginSucceeded, principal.SubjectType, principal.SubjectID, principal.Method, req.DeviceID, func(ev *models.SecurityEvent) {
		ev.Resolution = principal.Resolution
		ev.CredentialID = principal.CredentialID.String()
		if principal.Resolution == models.ResolutionPrimaryFallback && req.DeviceID != "" {
			ev.Details = map[string]string{"credential_device_id": principal.DeviceID}
		}
	}))
	e.deps.Logger.Info("Authentication succeeded",
		zap.String("subject_type", string(principal.SubjectType)),
		zap.String("subject_id", principal.SubjectID),
		zap.String("method", string(principal.Method)),
		zap.String("credential_id", principal.CredentialID.String()),
		zap.String("resolution", string(principal.Resolution)))
	return principal, nil
}

func (e *AuthenticationEngine) authenticate(ctx context.Context, req AuthRequest) (*models.Principal, *models.Credential, models.Resolution, error) {
	if !req.SubjectType.IsValid() {
		return nil, nil, "", fmt.Errorf("%w: unknown subject type %q", ErrInvalidRequest, req.SubjectType)
	}
	if err := validateMethod(req.Method); err != nil {
		return nil, nil, "", err
	}

	if req.SubjectID == "" {
		if req.SubjectType != models.SubjectPatient || req.Method != models.MethodPIN {
			return nil, nil, "", fmt.Errorf("%w: subject id is required for %s %s login", ErrInvalidRequest, req.SubjectType, req.Method)
		}
		return e.authenticateGlobalPIN(ctx, req)
	}

	if err := requireActiveSubject(ctx, e.deps.Subjects, req.SubjectType, req.SubjectID); err != nil {
		return nil, nil, "", err
	}

	candidates, err := e.deps.Store.FindActive(ctx, req.SubjectType, req.SubjectID, req.Method, req.DeviceID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to load credentials: %w", err)
	}
	cred, resolution := resolveKnown(candidates, req.Method, req.DeviceID)
	if cred == nil {
		if req.Method.IsHashed() {
			e.deps.Hasher.DummyVerify(req.Method, req.Secret)
		}
		return nil, nil, "", ErrCredentialNotFound
	}

	if locked, until := e.deps.Lockout.IsLocked(cred, e.deps.Now()); locked {
		return nil, cred, resolution, lockedError(until)
	}

	if !e.verify(ctx, cred, req) {
		outcome, err := e.deps.Lockout.RecordFailure(ctx, cred)
		if err != nil {
			return nil, cred, resolution, err
		}
		if outcome.Locked {
			metrics.RecordLockout(string(cred.SubjectType), string(cred.Method))
			return nil, cred, resolution, lockedError(outcome.LockedUntil)
		}
		return nil, cred, resolution, ErrInvalidCredential
	}

	principal, err := e.succeed(ctx, cred, req, resolution)
	return principal, cred, resolution, err
}

// authenticateGlobalPIN finds the patient whose PIN matches without knowing who they are.
// Index matches are verified first, then credentials without an index are scanned in
// resolution order. Non-matching candidates are never charged a failure.
func (e *AuthenticationEngine) authenticateGlobalPIN(ctx context.Context, req AuthRequest) (*models.Principal, *models.Credential, models.Resolution, error) {
	resolution := models.ResolutionGlobalScan
	verified := 0
	defer func() { metrics.RecordScan("global_login", verified) }()

	check := func(c *models.Credential) bool {
		verified++
		ok, err := e.deps.Hasher.Verify(models.MethodPIN, req.Secret, c.SecretMaterial)
		if err != nil {
			e.deps.Logger.Warn("Skipping unverifiable PIN credential",
				zap.String("credential_id", c.ID.String()),
				zap.Error(err))
			return false
		}
		return ok
	}

	var matched *models.Credential

	index := e.deps.Hasher.LookupIndex(models.MethodPIN, req.Secret)
	indexed, err := e.deps.Store.FindByLookupIndex(ctx, models.SubjectPatient, models.MethodPIN, index)
	if err != nil {
		return nil, nil, resolution, fmt.Errorf("failed to look up PIN index: %w", err)
	}
	repository.OrderCandidates(indexed, req.DeviceID)
	for _, c := range indexed {
		if check(c) {
			matched = c
			break
		}
	}

	if matched == nil {
		all, err := e.deps.Store.FindAllActiveByMethod(ctx, models.SubjectPatient, models.MethodPIN, req.DeviceID)
		if err != nil {
			return nil, nil, resolution, fmt.Errorf("failed to list PIN credentials: %w", err)
		}
		for _, c := range all {
			if c.LookupIndex != "" {
				continue
			}
			if check(c) {
				matched = c
				break
			}
		}
	}

	if matched == nil {
		if verified == 0 {
			e.deps.Hasher.DummyVerify(models.MethodPIN, req.Secret)
		}
		return nil, nil, resolution, ErrInvalidCredential
	}

	if err := requireActiveSubject(ctx, e.deps.Subjects, matched.SubjectType, matched.SubjectID); err != nil {
		return nil, matched, resolution, err
	}
	if locked, until := e.deps.Lockout.IsLocked(matched, e.deps.Now()); locked {
		return nil, matched, resolution, lockedError(until)
	}

	principal, err := e.succeed(ctx, matched, req, resolution)
	return principal, matched, resolution, err
}

func (e *AuthenticationEngine) verify(ctx context.Context, cred *models.Credential, req AuthRequest) bool {
	switch cred.Method {
	case models.MethodPIN, models.MethodPassword:
		ok, err := e.deps.Hasher.Verify(cred.Method, req.Secret, cred.SecretMaterial)
		if err != nil {
			e.deps.Logger.Error("Stored secret could not be verified",
				zap.String("credential_id", cred.ID.String()),
				zap.Error(err))
			return false
		}
		return ok

	case models.MethodBiometric:
		if req.Challenge == "" || req.Signature == "" {
			return false
		}
		ch, err := e.deps.Challenges.Consume(ctx, req.Challenge)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				e.deps.Logger.Error("Failed to consume biometric challenge", zap.Error(err))
			}
			return false
		}
		if !ch.BoundTo(req.SubjectType, req.SubjectID, req.DeviceID) {
			return false
		}
		return e.deps.Verifier.Verify(req.Signature, req.Challenge, cred.SecretMaterial)
	}
	return false
}

func (e *AuthenticationEngine) succeed(ctx context.Context, cred *models.Credential, req AuthRequest, resolution models.Resolution) (*models.Principal, error) {
	now := e.deps.Now().UTC()

	if err := e.deps.Lockout.RecordSuccess(ctx, cred); err != nil {
		return nil, err
	}

	var metadata map[string]string
	if cred.Method == models.MethodBiometric {
		metadata = map[string]string{models.MetaLastChallenge: req.Challenge}
	}
	if err := e.deps.Store.MarkUsed(ctx, cred.ID, now, metadata); err != nil {
		return nil, fmt.Errorf("failed to mark credential used: %w", err)
	}

	if cred.Method.IsHashed() {
		e.upgradeSecret(ctx, cred, req.Secret)
	}

	return &models.Principal{
		SubjectType:     cred.SubjectType,
		SubjectID:       cred.SubjectID,
		Method:          cred.Method,
		IsPrimary:       cred.IsPrimary,
		DeviceID:        cred.DeviceID(),
		CredentialID:    cred.ID,
		Resolution:      resolution,
		AuthenticatedAt: now,
	}, nil
}

// upgradeSecret rehashes under the current pepper and backfills a missing PIN lookup index.
// Best effort: the login has already succeeded.
func (e *AuthenticationEngine) upgradeSecret(ctx context.Context, cred *models.Credential, secret string) {
	needsIndex := cred.Method == models.MethodPIN && cred.LookupIndex == ""
	needsRehash := e.deps.Hasher.NeedsRehash(cred.SecretMaterial)
	if !needsIndex && !needsRehash {
		return
	}

	material := cred.SecretMaterial
	if needsRehash {
		fresh, err := e.deps.Hasher.Hash(cred.Method, secret)
		if err != nil {
			e.deps.Logger.Warn("Rehash failed", zap.String("credential_id", cred.ID.String()), zap.Error(err))
			return
		}
		material = fresh
	}
	index := cred.LookupIndex
	if cred.Method == models.MethodPIN {
		index = e.deps.Hasher.LookupIndex(cred.Method, secret)
	}

	if err := e.deps.Store.UpdateSecret(ctx, cred.ID, material, index); err != nil {
		e.deps.Logger.Warn("Failed to store upgraded secret", zap.String("credential_id", cred.ID.String()), zap.Error(err))
		return
	}
	e.deps.Logger.Info("Credential secret upgraded",
		zap.String("credential_id", cred.ID.String()),
		zap.Bool("rehashed", needsRehash),
		zap.Bool("indexed", needsIndex))
}

// IssueChallenge creates a single-use nonce the device signs for a biometric login.
func (e *AuthenticationEngine) IssueChallenge(ctx context.Context, subjectType models.SubjectType, subjectID, deviceID string) (*models.Challenge, error) {
	if err := validateSubject(subjectType, subjectID); err != nil {
		return nil, err
	}
	if deviceID == "" {
		return nil, fmt.Errorf("%w: challenges are issued per device", ErrDeviceBindingRequired)
	}
	if err := requireActiveSubject(ctx, e.deps.Subjects, subjectType, subjectID); err != nil {
		return nil, err
	}

	candidates, err := e.deps.Store.FindActive(ctx, subjectType, subjectID, models.MethodBiometric, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrCredentialNotFound
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}

	now := e.deps.Now().UTC()
	ch := &models.Challenge{
		Nonce:       base64.RawURLEncoding.EncodeToString(raw),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		DeviceID:    deviceID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(e.deps.ChallengeTTL),
	}
	if err := e.deps.Challenges.Save(ctx, ch, e.deps.ChallengeTTL); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	e.deps.Events.Record(ctx, newEvent(now, models.EventChallengeIssued, subjectType, subjectID, models.MethodBiometric, deviceID, nil))
	return ch, nil
}

// resolveKnown picks the credential a known subject's login is verified against. Candidates
// arrive in store order: device matches, then primaries, then newest.
func resolveKnown(candidates []*models.Credential, method models.Method, deviceID string) (*models.Credential, models.Resolution) {
	if len(candidates) == 0 {
		return nil, ""
	}
	if !method.RequiresDevice() {
		return candidates[0], models.ResolutionDirect
	}
	if deviceID != "" && candidates[0].DeviceID() == deviceID {
		return candidates[0], models.ResolutionDeviceBound
	}
	for _, c := range candidates {
		if c.IsPrimary {
			return c, models.ResolutionPrimaryFallback
		}
	}
	return nil, ""
}
