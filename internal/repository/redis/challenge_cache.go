package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"clinical-auth/internal/client"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"
	"clinical-auth/internal/util"
)

const challengePrefix = "biometric_challenge:"

// ChallengeCache stores biometric nonces with a TTL; Consume removes them atomically.
type ChallengeCache struct {
	client *client.RedisClient
	now    func() time.Time
}

func NewChallengeCache(c *client.RedisClient) *ChallengeCache {
	return &ChallengeCache{client: c, now: time.Now}
}

func (c *ChallengeCache) SetClock(now func() time.Time) {
	c.now = now
}

func (c *ChallengeCache) Save(ctx context.Context, ch *models.Challenge, ttl time.Duration) error {
	stored := *ch
	stored.ExpiresAt = c.now().Add(ttl)

	payload, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}

	if err := c.client.Set(ctx, challengePrefix+ch.Nonce, payload, ttl); err != nil {
		util.Error("Failed to store biometric challenge",
			zap.String("subject_id", ch.SubjectID),
			zap.String("device_id", ch.DeviceID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

func (c *ChallengeCache) Consume(ctx context.Context, nonce string) (*models.Challenge, error) {
	raw, err := c.client.GetDel(ctx, challengePrefix+nonce)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	var ch models.Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		util.Warn("Discarding malformed biometric challenge", zap.Error(err))
		return nil, repository.ErrNotFound
	}
	// the key TTL has second granularity; the stored expiry is authoritative
	if !ch.ExpiresAt.After(c.now()) {
		return nil, repository.ErrNotFound
	}
	return &ch, nil
}
