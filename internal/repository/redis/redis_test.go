package redis_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-auth/internal/client"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"
	rediscache "clinical-auth/internal/repository/redis"
)

func newClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.WrapRedisClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestProvisioningLock_Serializes(t *testing.T) {
	rc, _ := newClient(t)
	lock := rediscache.NewProvisioningLock(rc, 5*time.Second, 5*time.Second)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lock.WithLock(context.Background(), models.SubjectPatient, models.MethodPIN, func(context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
}

func TestProvisioningLock_ReleasesAndTimesOut(t *testing.T) {
	rc, mr := newClient(t)
	lock := rediscache.NewProvisioningLock(rc, 5*time.Second, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, lock.WithLock(ctx, models.SubjectPatient, models.MethodPIN, func(context.Context) error { return nil }))
	assert.False(t, mr.Exists("provision_lock:patient:pin"), "released after use")

	// another holder owns the key
	require.NoError(t, mr.Set("provision_lock:patient:pin", "someone-else"))
	err := lock.WithLock(ctx, models.SubjectPatient, models.MethodPIN, func(context.Context) error {
		t.Fatal("must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, repository.ErrLockTimeout)

	got, err := mr.Get("provision_lock:patient:pin")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got, "a foreign lock is never deleted")

	t.Run("locks are per subject type and method", func(t *testing.T) {
		ran := false
		err := lock.WithLock(ctx, models.SubjectClinician, models.MethodPIN, func(context.Context) error {
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
	})
}

func TestChallengeCache_SingleUse(t *testing.T) {
	rc, mr := newClient(t)
	cache := rediscache.NewChallengeCache(rc)
	ctx := context.Background()

	ch := &models.Challenge{
		Nonce:       "nonce-1",
		SubjectType: models.SubjectPatient,
		SubjectID:   "7",
		DeviceID:    "phone-1",
		IssuedAt:    time.Now(),
	}
	require.NoError(t, cache.Save(ctx, ch, 2*time.Minute))
	assert.Equal(t, 2*time.Minute, mr.TTL("biometric_challenge:nonce-1"))

	got, err := cache.Consume(ctx, "nonce-1")
	require.NoError(t, err)
	assert.True(t, got.BoundTo(models.SubjectPatient, "7", "phone-1"))

	_, err = cache.Consume(ctx, "nonce-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = cache.Consume(ctx, "never-issued")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestChallengeCache_Expiry(t *testing.T) {
	rc, mr := newClient(t)
	cache := rediscache.NewChallengeCache(rc)
	ctx := context.Background()

	require.NoError(t, cache.Save(ctx, &models.Challenge{Nonce: "a", SubjectID: "7"}, time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err := cache.Consume(ctx, "a")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	now := time.Now()
	cache.SetClock(func() time.Time { return now })
	require.NoError(t, cache.Save(ctx, &models.Challenge{Nonce: "b", SubjectID: "7"}, time.Minute))
	cache.SetClock(func() time.Time { return now.Add(61 * time.Second) })
	_, err = cache.Consume(ctx, "b")
	assert.ErrorIs(t, err, repository.ErrNotFound, "stored expiry wins over key TTL")
}
