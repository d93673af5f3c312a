package scylla

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clinical-auth/internal/bucketing"
	"clinical-auth/internal/encryption"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"
	"clinical-auth/internal/util"
)

const (
	maxCASRetries = 5
	scanFanOut    = 8
	loadFanOut    = 16
)

// FieldSealer encrypts columns at rest; implemented by encryption.EncryptionManager.
type FieldSealer interface {
	SealString(ctx context.Context, plaintext, keyPurpose string) (string, error)
	OpenString(ctx context.Context, sealed, keyPurpose string) (string, error)
}

// CredentialRepository implements repository.CredentialStore on ScyllaDB. Every write to a
// credential row is a lightweight transaction on its version column.
type CredentialRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
	sealer    FieldSealer
	now       func() time.Time
	demote    func(ctx context.Context, cred *models.Credential) error
}

func NewCredentialRepository(client *ScyllaClient, bm *bucketing.BucketingManager, sealer FieldSealer) *CredentialRepository {
	r := &CredentialRepository{
		client:    client,
		bucketing: bm,
		sealer:    sealer,
		now:       time.Now,
	}
	r.demote = r.demoteOtherPrimaries
	return r
}

func (r *CredentialRepository) FindActive(ctx context.Context, subjectType models.SubjectType, subjectID string, method models.Method, deviceID string) ([]*models.Credential, error) {
	ids, err := r.subjectPointers(ctx, subjectType, subjectID, method)
	if err != nil {
		return nil, err
	}
	out, err := r.loadMatching(ctx, ids, func(c *models.Credential) bool {
		return c.SubjectType == subjectType && c.SubjectID == subjectID && c.Method == method
	})
	if err != nil {
		return nil, err
	}
	repository.OrderCandidates(out, deviceID)
	return out, nil
}

// FindAllActiveByMethod reads every bucket of the method partition in parallel.
func (r *CredentialRepository) FindAllActiveByMethod(ctx context.Context, subjectType models.SubjectType, method models.Method, deviceID string) ([]*models.Credential, error) {
	var (
		mu  sync.Mutex
		ids []uuid.UUID
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanFanOut)
	for _, bucket := range r.bucketing.CredentialBuckets() {
		g.Go(func() error {
			found, err := r.scanIDs(gctx, r.client.Prepared.ListMethodBucket, string(subjectType), string(method), bucket)
			if err != nil {
				return fmt.Errorf("bucket %d: %w", bucket, err)
			}
			mu.Lock()
			ids = append(ids, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		util.Error("Failed to scan credential buckets",
			zap.String("subject_type", string(subjectType)),
			zap.String("method", string(method)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to scan credentials: %w", err)
	}

	out, err := r.loadMatching(ctx, ids, func(c *models.Credential) bool {
		return c.SubjectType == subjectType && c.Method == method
	})
	if err != nil {
		return nil, err
	}
	repository.OrderCandidates(out, deviceID)
	return out, nil
}

func (r *CredentialRepository) FindByLookupIndex(ctx context.Context, subjectType models.SubjectType, method models.Method, index string) ([]*models.Credential, error) {
	if index == "" {
		return nil, nil
	}
	ids, err := r.scanIDs(ctx, r.client.Prepared.ListLookupPointers, string(subjectType), string(method), index)
	if err != nil {
		return nil, fmt.Errorf("failed to read lookup index: %w", err)
	}
	out, err := r.loadMatching(ctx, ids, func(c *models.Credential) bool {
		return c.SubjectType == subjectType && c.Method == method && c.LookupIndex == index
	})
	if err != nil {
		return nil, err
	}
	repository.OrderCandidates(out, "")
	return out, nil
}

func (r *CredentialRepository) Get(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	query := r.client.Query(ctx, r.client.Prepared.GetCredential, gocql.UUID(id))

	var row credentialRow
	if err := r.client.ScanWithRetry(query, row.dest()...); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get credential", zap.String("credential_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return row.credential(ctx, r.sealer)
}

func (r *CredentialRepository) ListActive(ctx context.Context, subjectType models.SubjectType, subjectID string) ([]*models.Credential, error) {
	ids, err := r.subjectPointers(ctx, subjectType, subjectID, "")
	if err != nil {
		return nil, err
	}
	creds, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	var out []*models.Credential
	for _, c := range creds {
		if c.Active && c.SubjectType == subjectType && c.SubjectID == subjectID {
			out = append(out, c)
		}
	}
	repository.OrderCandidates(out, "")
	return out, nil
}

func (r *CredentialRepository) Upsert(ctx context.Context, cred *models.Credential) error {
	now := r.now().UTC()
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	inserted := false
	existing, err := r.Get(ctx, cred.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if err := r.insert(ctx, cred); err != nil {
			return err
		}
		inserted = true
	case err != nil:
		return err
	default:
		next := cred.Clone()
		next.CreatedAt = existing.CreatedAt
		next.Version = existing.Version + 1
		if err := r.write(ctx, next, existing.Version); err != nil {
			return err
		}
		cred.CreatedAt = next.CreatedAt
		cred.Version = next.Version
		r.syncPointers(ctx, existing, next)
	}

	if cred.Active && cred.IsPrimary {
		if err := r.demote(ctx, cred); err != nil {
			r.undoPrimary(ctx, cred, inserted)
			return err
		}
	}
	return nil
}

// undoPrimary backs out a primary write whose sibling demotion failed, so the subject never
// keeps two active primaries. A freshly inserted row is deactivated outright.
func (r *CredentialRepository) undoPrimary(ctx context.Context, cred *models.Credential, inserted bool) {
	undone, err := r.mutate(context.WithoutCancel(ctx), cred.ID, func(c *models.Credential) {
		c.IsPrimary = false
		if inserted {
			c.Active = false
		}
	})
	if err != nil {
		util.Error("Failed to roll back primary credential",
			zap.String("credential_id", cred.ID.String()),
			zap.Error(err))
		return
	}
	cred.IsPrimary = undone.IsPrimary
	cred.Active = undone.Active
	cred.Version = undone.Version
	cred.UpdatedAt = undone.UpdatedAt
}

func (r *CredentialRepository) UpdateAttempts(ctx context.Context, id uuid.UUID, fn repository.AttemptsFunc) (*models.Credential, error) {
	var next *models.Credential
	err := retryCAS(id, func() (bool, error) {
		cur, err := r.Get(ctx, id)
		if err != nil {
			return false, err
		}

		next = cur.Clone()
		next.FailedAttempts, next.LockedUntil = fn(cur.FailedAttempts, cur.LockedUntil)
		next.UpdatedAt = r.now().UTC()
		next.Version = cur.Version + 1

		query := r.client.Query(ctx, r.client.Prepared.UpdateAttempts,
			next.FailedAttempts, nullableTime(next.LockedUntil), next.UpdatedAt, next.Version,
			gocql.UUID(id), cur.Version)
		applied, err := query.MapScanCAS(map[string]interface{}{})
		if err != nil {
			util.Error("Failed to update attempts", zap.String("credential_id", id.String()), zap.Error(err))
			return false, fmt.Errorf("failed to update attempts: %w", err)
		}
		return applied, nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (r *CredentialRepository) MarkUsed(ctx context.Context, id uuid.UUID, at time.Time, metadata map[string]string) error {
	_, err := r.mutate(ctx, id, func(c *models.Credential) {
		used := at.UTC()
		c.LastUsedAt = &used
		if len(metadata) > 0 {
			if c.Metadata == nil {
				c.Metadata = make(map[string]string, len(metadata))
			}
			for k, v := range metadata {
				c.Metadata[k] = v
			}
		}
	})
	return err
}

func (r *CredentialRepository) UpdateSecret(ctx context.Context, id uuid.UUID, secretMaterial, lookupIndex string) error {
	_, err := r.mutate(ctx, id, func(c *models.Credential) {
		c.SecretMaterial = secretMaterial
		c.LookupIndex = lookupIndex
	})
	return err
}

func (r *CredentialRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := r.mutate(ctx, id, func(c *models.Credential) {
		c.Active = false
	})
	if err == nil {
		util.Info("Credential deactivated", zap.String("credential_id", id.String()))
	}
	return err
}

// mutate applies fn to the latest row and writes it back, retrying on version conflicts.
func (r *CredentialRepository) mutate(ctx context.Context, id uuid.UUID, fn func(*models.Credential)) (*models.Credential, error) {
	var next *models.Credential
	err := retryCAS(id, func() (bool, error) {
		cur, err := r.Get(ctx, id)
		if err != nil {
			return false, err
		}

		next = cur.Clone()
		fn(next)
		next.UpdatedAt = r.now().UTC()
		next.Version = cur.Version + 1

		err = r.write(ctx, next, cur.Version)
		if errors.Is(err, repository.ErrVersionConflict) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		r.syncPointers(ctx, cur, next)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// retryCAS runs a read-modify-write until its conditional write applies. op reports whether
// it applied; an error ends the loop.
func retryCAS(id uuid.UUID, op func() (bool, error)) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		applied, err := op()
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		util.Debug("Conditional write lost a race, retrying",
			zap.String("credential_id", id.String()),
			zap.Int("attempt", attempt+1))
	}
	return repository.ErrVersionConflict
}

func (r *CredentialRepository) insert(ctx context.Context, cred *models.Credential) error {
	cred.Version = 1
	values, err := r.rowValues(ctx, cred)
	if err != nil {
		return err
	}

	applied, err := r.client.Query(ctx, r.client.Prepared.InsertCredential, values...).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to insert credential",
			zap.String("credential_id", cred.ID.String()),
			zap.String("subject_id", cred.SubjectID),
			zap.Error(err))
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	if !applied {
		return repository.ErrVersionConflict
	}

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(r.client.Prepared.InsertSubjectPointer,
		string(cred.SubjectType), cred.SubjectID, string(cred.Method), gocql.UUID(cred.ID))
	if cred.Active {
		r.addSearchPointers(batch, cred)
	}
	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to write credential pointers", zap.String("credential_id", cred.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to write credential pointers: %w", err)
	}

	util.Info("Credential stored",
		zap.String("credential_id", cred.ID.String()),
		zap.String("subject_type", string(cred.SubjectType)),
		zap.String("subject_id", cred.SubjectID),
		zap.String("method", string(cred.Method)))
	return nil
}

// write replaces the row if it is still at expectVersion.
func (r *CredentialRepository) write(ctx context.Context, cred *models.Credential, expectVersion int64) error {
	row, err := r.rowValues(ctx, cred)
	if err != nil {
		return err
	}
	// identity columns and created_at are immutable
	values := []interface{}{
		row[4], row[5], row[6], row[7], row[8], row[9], row[10], row[11], row[12], row[13],
		row[15], row[16], row[17], row[18], row[19],
		gocql.UUID(cred.ID), expectVersion,
	}

	applied, err := r.client.Query(ctx, r.client.Prepared.UpdateCredential, values...).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to update credential", zap.String("credential_id", cred.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if !applied {
		return repository.ErrVersionConflict
	}
	return nil
}

// syncPointers brings the search tables in line with a row change. Stale pointers are
// tolerated by readers, so failures here are logged rather than returned.
func (r *CredentialRepository) syncPointers(ctx context.Context, before, after *models.Credential) {
	wasSearchable := before.Active
	isSearchable := after.Active
	indexChanged := before.LookupIndex != after.LookupIndex
	if wasSearchable == isSearchable && !indexChanged {
		return
	}

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	if wasSearchable && (!isSearchable || indexChanged) && before.LookupIndex != "" {
		batch.Query(r.client.Prepared.DeleteLookupPointer,
			string(before.SubjectType), string(before.Method), before.LookupIndex, gocql.UUID(before.ID))
	}
	if wasSearchable && !isSearchable {
		batch.Query(r.client.Prepared.DeleteMethodPointer,
			string(before.SubjectType), string(before.Method), r.bucketing.GetCredentialBucket(before.ID), gocql.UUID(before.ID))
	}
	if isSearchable {
		r.addSearchPointers(batch, after)
	}
	if batch.Size() == 0 {
		return
	}
	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Warn("Failed to update credential pointers",
			zap.String("credential_id", after.ID.String()),
			zap.Error(err))
	}
}

func (r *CredentialRepository) addSearchPointers(batch *gocql.Batch, cred *models.Credential) {
	batch.Query(r.client.Prepared.InsertMethodPointer,
		string(cred.SubjectType), string(cred.Method), r.bucketing.GetCredentialBucket(cred.ID), gocql.UUID(cred.ID))
	if cred.LookupIndex != "" {
		batch.Query(r.client.Prepared.InsertLookupPointer,
			string(cred.SubjectType), string(cred.Method), cred.LookupIndex, gocql.UUID(cred.ID))
	}
}

func (r *CredentialRepository) demoteOtherPrimaries(ctx context.Context, cred *models.Credential) error {
	siblings, err := r.FindActive(ctx, cred.SubjectType, cred.SubjectID, cred.Method, "")
	if err != nil {
		return err
	}
	for _, other := range siblings {
		if other.ID == cred.ID || !other.IsPrimary {
			continue
		}
		if _, err := r.mutate(ctx, other.ID, func(c *models.Credential) { c.IsPrimary = false }); err != nil {
			util.Error("Failed to demote primary credential",
				zap.String("credential_id", other.ID.String()),
				zap.Error(err))
			return fmt.Errorf("failed to demote primary credential: %w", err)
		}
	}
	return nil
}

func (r *CredentialRepository) subjectPointers(ctx context.Context, subjectType models.SubjectType, subjectID string, method models.Method) ([]uuid.UUID, error) {
	iter := r.client.Query(ctx, r.client.Prepared.ListSubjectPointers, string(subjectType), subjectID).Iter()

	var (
		ids []uuid.UUID
		m   string
		id  gocql.UUID
	)
	for iter.Scan(&m, &id) {
		if method == "" || models.Method(m) == method {
			ids = append(ids, uuid.UUID(id))
		}
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list subject credentials", zap.String("subject_id", subjectID), zap.Error(err))
		return nil, fmt.Errorf("failed to list subject credentials: %w", err)
	}
	return ids, nil
}

func (r *CredentialRepository) scanIDs(ctx context.Context, stmt string, values ...interface{}) ([]uuid.UUID, error) {
	iter := r.client.Query(ctx, stmt, values...).Iter()

	var (
		ids []uuid.UUID
		id  gocql.UUID
	)
	for iter.Scan(&id) {
		ids = append(ids, uuid.UUID(id))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return ids, nil
}

// load fetches rows by id in parallel, skipping ids whose row no longer exists.
func (r *CredentialRepository) load(ctx context.Context, ids []uuid.UUID) ([]*models.Credential, error) {
	rows := make([]*models.Credential, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadFanOut)
	for i, id := range ids {
		g.Go(func() error {
			cred, err := r.Get(gctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			rows[i] = cred
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := rows[:0]
	for _, c := range rows {
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *CredentialRepository) loadMatching(ctx context.Context, ids []uuid.UUID, keep func(*models.Credential) bool) ([]*models.Credential, error) {
	creds, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := creds[:0]
	for _, c := range creds {
		if repository.Matches(c, now) && keep(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// rowValues returns the insert values in credentialColumns order.
func (r *CredentialRepository) rowValues(ctx context.Context, cred *models.Credential) ([]interface{}, error) {
	var deviceID, deviceName, deviceClass string
	if cred.Device != nil {
		deviceID = cred.Device.DeviceID
		deviceClass = cred.Device.DeviceClass
		deviceName = cred.Device.DeviceName
		if deviceName != "" && r.sealer != nil {
			sealed, err := r.sealer.SealString(ctx, deviceName, encryption.PurposeDeviceName)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt device name: %w", err)
			}
			deviceName = sealed
		}
	}

	return []interface{}{
		gocql.UUID(cred.ID),
		string(cred.SubjectType),
		cred.SubjectID,
		string(cred.Method),
		cred.SecretMaterial,
		cred.LookupIndex,
		cred.SecondarySalt,
		deviceID,
		deviceName,
		deviceClass,
		cred.IsPrimary,
		cred.FailedAttempts,
		nullableTime(cred.LockedUntil),
		nullableTime(cred.LastUsedAt),
		cred.CreatedAt,
		cred.UpdatedAt,
		nullableTime(cred.ExpiresAt),
		cred.Active,
		cred.Metadata,
		cred.Version,
	}, nil
}

type credentialRow struct {
	id             gocql.UUID
	subjectType    string
	subjectID      string
	method         string
	secretMaterial string
	lookupIndex    string
	secondarySalt  string
	deviceID       string
	deviceName     string
	deviceClass    string
	isPrimary      bool
	failedAttempts int
	lockedUntil    time.Time
	lastUsedAt     time.Time
	createdAt      time.Time
	updatedAt      time.Time
	expiresAt      time.Time
	active         bool
	metadata       map[string]string
	version        int64
}

func (row *credentialRow) dest() []interface{} {
	return []interface{}{
		&row.id, &row.subjectType, &row.subjectID, &row.method, &row.secretMaterial,
		&row.lookupIndex, &row.secondarySalt, &row.deviceID, &row.deviceName, &row.deviceClass,
		&row.isPrimary, &row.failedAttempts, &row.lockedUntil, &row.lastUsedAt, &row.createdAt,
		&row.updatedAt, &row.expiresAt, &row.active, &row.metadata, &row.version,
	}
}

func (row *credentialRow) credential(ctx context.Context, sealer FieldSealer) (*models.Credential, error) {
	cred := &models.Credential{
		ID:             uuid.UUID(row.id),
		SubjectType:    models.SubjectType(row.subjectType),
		SubjectID:      row.subjectID,
		Method:         models.Method(row.method),
		SecretMaterial: row.secretMaterial,
		LookupIndex:    row.lookupIndex,
		SecondarySalt:  row.secondarySalt,
		IsPrimary:      row.isPrimary,
		FailedAttempts: row.failedAttempts,
		LockedUntil:    timePtr(row.lockedUntil),
		LastUsedAt:     timePtr(row.lastUsedAt),
		CreatedAt:      row.createdAt.UTC(),
		UpdatedAt:      row.updatedAt.UTC(),
		ExpiresAt:      timePtr(row.expiresAt),
		Active:         row.active,
		Metadata:       row.metadata,
		Version:        row.version,
	}

	if row.deviceID != "" || row.deviceName != "" || row.deviceClass != "" {
		name := row.deviceName
		if name != "" && sealer != nil {
			opened, err := sealer.OpenString(ctx, name, encryption.PurposeDeviceName)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt device name: %w", err)
			}
			name = opened
		}
		cred.Device = &models.DeviceBinding{
			DeviceID:    row.deviceID,
			DeviceName:  name,
			DeviceClass: row.deviceClass,
		}
	}
	return cred, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
