package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"clinical-auth/internal/config"
	"clinical-auth/internal/util"
)

const credentialColumns = `id, subject_type, subject_id, method, secret_material, lookup_index,
	secondary_salt, device_id, device_name, device_class, is_primary, failed_attempts,
	locked_until, last_used_at, created_at, updated_at, expires_at, active, metadata, version`

// PreparedStatements holds the CQL used by the repositories. gocql prepares and caches
// each statement on first execution.
type PreparedStatements struct {
	InsertCredential     string
	GetCredential        string
	UpdateCredential     string
	UpdateAttempts       string
	InsertSubjectPointer string
	InsertMethodPointer  string
	DeleteMethodPointer  string
	InsertLookupPointer  string
	DeleteLookupPointer  string
	ListSubjectPointers  string
	ListMethodBucket     string
	ListLookupPointers   string
	GetSubjectActive     string
	PutSubject           string
}

type ScyllaClient struct {
	Session  *gocql.Session
	config   *config.ScyllaConfig
	Prepared *PreparedStatements
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	if scyllaConfig.AutoMigrate {
		if err := EnsureSchema(cluster, scyllaConfig.Keyspace, scyllaConfig.ReplicationFactor); err != nil {
			return nil, err
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:  session,
		config:   &scyllaConfig,
		Prepared: newPreparedStatements(),
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func newPreparedStatements() *PreparedStatements {
	return &PreparedStatements{
		InsertCredential: `INSERT INTO credentials (` + credentialColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,

		GetCredential: `SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`,

		UpdateCredential: `UPDATE credentials SET secret_material = ?, lookup_index = ?,
			secondary_salt = ?, device_id = ?, device_name = ?, device_class = ?, is_primary = ?,
			failed_attempts = ?, locked_until = ?, last_used_at = ?, updated_at = ?, expires_at = ?,
			active = ?, metadata = ?, version = ?
			WHERE id = ? IF version = ?`,

		UpdateAttempts: `UPDATE credentials SET failed_attempts = ?, locked_until = ?, updated_at = ?, version = ?
			WHERE id = ? IF version = ?`,

		InsertSubjectPointer: `INSERT INTO credentials_by_subject (subject_type, subject_id, method, id)
			VALUES (?, ?, ?, ?)`,

		InsertMethodPointer: `INSERT INTO credentials_by_method (subject_type, method, bucket, id)
			VALUES (?, ?, ?, ?)`,

		DeleteMethodPointer: `DELETE FROM credentials_by_method
			WHERE subject_type = ? AND method = ? AND bucket = ? AND id = ?`,

		InsertLookupPointer: `INSERT INTO credentials_by_lookup (subject_type, method, lookup_index, id)
			VALUES (?, ?, ?, ?)`,

		DeleteLookupPointer: `DELETE FROM credentials_by_lookup
			WHERE subject_type = ? AND method = ? AND lookup_index = ? AND id = ?`,

		ListSubjectPointers: `SELECT method, id FROM credentials_by_subject
			WHERE subject_type = ? AND subject_id = ?`,

		ListMethodBucket: `SELECT id FROM credentials_by_method
			WHERE subject_type = ? AND method = ? AND bucket = ?`,

		ListLookupPointers: `SELECT id FROM credentials_by_lookup
			WHERE subject_type = ? AND method = ? AND lookup_index = ?`,

		GetSubjectActive: `SELECT active FROM subjects WHERE subject_type = ? AND subject_id = ?`,

		PutSubject: `INSERT INTO subjects (subject_type, subject_id, active, updated_at) VALUES (?, ?, ?, ?)`,
	}
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context, typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries transient failures with a linear backoff.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		err := query.Exec()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(query.Context(), err) || i == maxRetries {
			break
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(query.Context(), err) || i == 2 {
			break
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return lastErr
}

func retryable(ctx context.Context, err error) bool {
	if err == gocql.ErrNotFound {
		return false
	}
	return ctx == nil || ctx.Err() == nil
}
