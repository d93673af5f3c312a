package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clinical-auth/internal/client"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"
	"clinical-auth/internal/util"
)

const provisionLockPrefix = "provision_lock:"

// releaseScript deletes the lock only while it still holds our token.
const releaseScript = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`

// ProvisioningLock is a cluster-wide repository.ProvisioningLocker built on SET NX.
type ProvisioningLock struct {
	client  *client.RedisClient
	lease   time.Duration
	maxWait time.Duration
	retry   time.Duration
}

// NewProvisioningLock returns a lock whose lease bounds how long a crashed holder can block
// others; maxWait bounds how long WithLock waits when ctx carries no deadline.
func NewProvisioningLock(c *client.RedisClient, lease, maxWait time.Duration) *ProvisioningLock {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}
	return &ProvisioningLock{client: c, lease: lease, maxWait: maxWait, retry: 25 * time.Millisecond}
}

func (l *ProvisioningLock) WithLock(ctx context.Context, subjectType models.SubjectType, method models.Method, fn func(ctx context.Context) error) error {
	key := provisionLockPrefix + string(subjectType) + ":" + string(method)
	token := uuid.NewString()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}
	defer l.release(key, token)

	return fn(ctx)
}

func (l *ProvisioningLock) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s", repository.ErrLockTimeout, key)
			}
			util.Error("Failed to acquire provisioning lock", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("failed to acquire provisioning lock: %w", err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			util.Warn("Timed out waiting for provisioning lock", zap.String("key", key))
			return fmt.Errorf("%w: %s", repository.ErrLockTimeout, key)
		case <-ticker.C:
		}
	}
}

// release runs on its own context so a cancelled request still frees the lock.
func (l *ProvisioningLock) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.client.Eval(ctx, releaseScript, []string{key}, token); err != nil {
		util.Error("Failed to release provisioning lock", zap.String("key", key), zap.Error(err))
	}
}
