package scylla

import (
	"fmt"
	"regexp"

	"github.com/gocql/gocql"

	"clinical-auth/internal/util"
)

var keyspaceName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,47}$`)

// Tables. credentials is the only source of truth; the *_by_* tables hold ids and are
// filtered against it on every read.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS %s.credentials (
		id              uuid PRIMARY KEY,
		subject_type    text,
		subject_id      text,
		method          text,
		secret_material text,
		lookup_index    text,
		secondary_salt  text,
		device_id       text,
		device_name     text,
		device_class    text,
		is_primary      boolean,
		failed_attempts int,
		locked_until    timestamp,
		last_used_at    timestamp,
		created_at      timestamp,
		updated_at      timestamp,
		expires_at      timestamp,
		active          boolean,
		metadata        map<text, text>,
		version         bigint
	)`,
	`CREATE TABLE IF NOT EXISTS %s.credentials_by_subject (
		subject_type text,
		subject_id   text,
		method       text,
		id           uuid,
		PRIMARY KEY ((subject_type, subject_id), method, id)
	)`,
	`CREATE TABLE IF NOT EXISTS %s.credentials_by_method (
		subject_type text,
		method       text,
		bucket       int,
		id           uuid,
		PRIMARY KEY ((subject_type, method, bucket), id)
	)`,
	`CREATE TABLE IF NOT EXISTS %s.credentials_by_lookup (
		subject_type text,
		method       text,
		lookup_index text,
		id           uuid,
		PRIMARY KEY ((subject_type, method, lookup_index), id)
	)`,
	`CREATE TABLE IF NOT EXISTS %s.subjects (
		subject_type text,
		subject_id   text,
		active       boolean,
		updated_at   timestamp,
		PRIMARY KEY ((subject_type, subject_id))
	)`,
}

// EnsureSchema creates the keyspace and tables if they are missing.
func EnsureSchema(cluster *gocql.ClusterConfig, keyspace string, replicationFactor int) error {
	if !keyspaceName.MatchString(keyspace) {
		return fmt.Errorf("invalid keyspace name %q", keyspace)
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}

	admin := *cluster
	admin.Keyspace = ""
	session, err := admin.CreateSession()
	if err != nil {
		return fmt.Errorf("failed to open schema session: %w", err)
	}
	defer session.Close()

	createKeyspace := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {'class': 'NetworkTopologyStrategy', 'replication_factor': %d}`,
		keyspace, replicationFactor)
	if err := session.Query(createKeyspace).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace %s: %w", keyspace, err)
	}

	for _, stmt := range schemaStatements {
		if err := session.Query(fmt.Sprintf(stmt, keyspace)).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	util.Info("ScyllaDB schema ensured", util.String("keyspace", keyspace))
	return nil
}
