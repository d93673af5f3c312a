package scylla

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"clinical-auth/internal/bucketing"
	"clinical-auth/internal/config"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"
)

// setupScylla starts a single ScyllaDB node and returns a repository on a fresh keyspace.
// Tests are skipped if no container runtime is available.
func setupScylla(t *testing.T) *CredentialRepository {
	t.Helper()

	if testing.Short() || os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("skipping ScyllaDB integration tests")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "scylladb/scylla:5.4",
			Cmd:          []string{"--smp", "1", "--memory", "512M", "--overprovisioned", "1", "--developer-mode", "1"},
			ExposedPorts: []string{"9042/tcp"},
			WaitingFor: wait.ForLog("Starting listening for CQL clients").
				WithStartupTimeout(3 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("skipping: could not start ScyllaDB container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9042/tcp")
	require.NoError(t, err)

	cfg := &config.Config{Environment: "development"}
	cfg.Scylla = config.ScyllaConfig{
		Nodes:             []string{net.JoinHostPort(host, port.Port())},
		Keyspace:          "clinical_auth_test",
		AutoMigrate:       true,
		ReplicationFactor: 1,
	}
	client, err := NewScyllaClient(cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return NewCredentialRepository(client, bucketing.NewBucketingManagerWithCounts(4, 4), prefixSealer{})
}

func testPIN(subjectID, deviceID string, primary bool) *models.Credential {
	return &models.Credential{
		SubjectType:    models.SubjectPatient,
		SubjectID:      subjectID,
		Method:         models.MethodPIN,
		SecretMaterial: "material-" + subjectID + "-" + deviceID,
		LookupIndex:    "index-" + subjectID + "-" + deviceID,
		Device:         &models.DeviceBinding{DeviceID: deviceID, DeviceName: "Ward tablet"},
		IsPrimary:      primary,
		Active:         true,
	}
}

func TestCredentialRepository_Scylla(t *testing.T) {
	repo := setupScylla(t)
	ctx := context.Background()

	t.Run("insert and find", func(t *testing.T) {
		cred := testPIN("p-1", "dev-1", true)
		require.NoError(t, repo.Upsert(ctx, cred))
		assert.Equal(t, int64(1), cred.Version)

		found, err := repo.FindActive(ctx, models.SubjectPatient, "p-1", models.MethodPIN, "dev-1")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, cred.ID, found[0].ID)
		assert.Equal(t, "Ward tablet", found[0].Device.DeviceName)

		all, err := repo.FindAllActiveByMethod(ctx, models.SubjectPatient, models.MethodPIN, "")
		require.NoError(t, err)
		assert.NotEmpty(t, all)
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		cred := testPIN("p-2", "dev-1", true)
		require.NoError(t, repo.Upsert(ctx, cred))

		stale := cred.Clone()
		stale.FailedAttempts = 3
		assert.ErrorIs(t, repo.write(ctx, stale, cred.Version+5), repository.ErrVersionConflict)

		got, err := repo.Get(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.FailedAttempts)
	})

	t.Run("concurrent attempt updates are not lost", func(t *testing.T) {
		cred := testPIN("p-3", "dev-1", true)
		require.NoError(t, repo.Upsert(ctx, cred))

		var (
			wg      sync.WaitGroup
			applied atomic.Int64
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.UpdateAttempts(ctx, cred.ID, func(failed int, lockedUntil *time.Time) (int, *time.Time) {
					return failed + 1, lockedUntil
				})
				if err == nil {
					applied.Add(1)
					return
				}
				assert.ErrorIs(t, err, repository.ErrVersionConflict)
			}()
		}
		wg.Wait()

		got, err := repo.Get(ctx, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, int(applied.Load()), got.FailedAttempts)
		assert.Equal(t, 1+applied.Load(), got.Version)
	})

	t.Run("secret update moves the lookup pointer", func(t *testing.T) {
		cred := testPIN("p-4", "dev-1", true)
		require.NoError(t, repo.Upsert(ctx, cred))
		oldIndex := cred.LookupIndex

		require.NoError(t, repo.UpdateSecret(ctx, cred.ID, "material-rotated", "index-rotated"))

		old, err := repo.FindByLookupIndex(ctx, models.SubjectPatient, models.MethodPIN, oldIndex)
		require.NoError(t, err)
		assert.Empty(t, old)

		found, err := repo.FindByLookupIndex(ctx, models.SubjectPatient, models.MethodPIN, "index-rotated")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, cred.ID, found[0].ID)
		assert.Equal(t, int64(2), found[0].Version)
	})

	t.Run("new primary demotes the previous one", func(t *testing.T) {
		first := testPIN("p-5", "dev-1", true)
		require.NoError(t, repo.Upsert(ctx, first))
		second := testPIN("p-5", "dev-2", true)
		require.NoError(t, repo.Upsert(ctx, second))

		got, err := repo.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.False(t, got.IsPrimary)
		got, err = repo.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.True(t, got.IsPrimary)
	})

	t.Run("failed demotion rolls back the new primary", func(t *testing.T) {
		first := testPIN("p-6", "dev-1", true)
		require.NoError(t, repo.Upsert(ctx, first))

		repo.demote = func(context.Context, *models.Credential) error {
			return errors.New("coordinator timeout")
		}
		defer func() { repo.demote = repo.demoteOtherPrimaries }()

		second := testPIN("p-6", "dev-2", true)
		assert.Error(t, repo.Upsert(ctx, second))
		assert.False(t, second.Active)

		got, err := repo.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.False(t, got.IsPrimary)

		active, err := repo.FindActive(ctx, models.SubjectPatient, "p-6", models.MethodPIN, "")
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, first.ID, active[0].ID)
		assert.True(t, active[0].IsPrimary)
	})
}
