package bucketing

import (
	"hash"
	"sync"
	"time"

	"clinical-auth/internal/config"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads wide partitions (per-method credential scans, security events)
// across a fixed number of buckets.
type BucketingManager struct {
	credentialBuckets int
	eventBuckets      int
	hasherPool        sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return NewBucketingManagerWithCounts(cfg.Bucketing.CredentialBuckets, cfg.Bucketing.EventBuckets)
}

func NewBucketingManagerWithCounts(credentialBuckets, eventBuckets int) *BucketingManager {
	if credentialBuckets <= 0 {
		credentialBuckets = 1
	}
	if eventBuckets <= 0 {
		eventBuckets = 1
	}
	bm := &BucketingManager{
		credentialBuckets: credentialBuckets,
		eventBuckets:      eventBuckets,
	}

	bm.hasherPool = sync.Pool{
		New: func() any {
			return murmur3.New64()
		},
	}

	return bm
}

// GetCredentialBucket returns the bucket a credential lives in within its method partition.
func (bm *BucketingManager) GetCredentialBucket(credentialID uuid.UUID) int {
	return bm.getBucket(credentialID.String(), bm.credentialBuckets)
}

// GetEventBucket returns the bucket for a security event keyed by subject.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetDateBucket returns the UTC day partition for events.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CredentialBuckets lists every credential bucket, for fan-out scans.
func (bm *BucketingManager) CredentialBuckets() []int {
	buckets := make([]int, bm.credentialBuckets)
	for i := range buckets {
		buckets[i] = i
	}
	return buckets
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
