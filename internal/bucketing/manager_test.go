package bucketing_test

import (
	"testing"
	"time"

	"clinical-auth/internal/bucketing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBucketingManager_CredentialBucketIsStable(t *testing.T) {
	bm := bucketing.NewBucketingManagerWithCounts(16, 64)
	id := uuid.New()

	first := bm.GetCredentialBucket(id)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, bm.GetCredentialBucket(id))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 16)
}

func TestBucketingManager_SpreadsAcrossBuckets(t *testing.T) {
	bm := bucketing.NewBucketingManagerWithCounts(8, 8)
	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		seen[bm.GetCredentialBucket(uuid.New())] = true
	}
	assert.Len(t, seen, 8)
}

func TestBucketingManager_CredentialBuckets(t *testing.T) {
	bm := bucketing.NewBucketingManagerWithCounts(4, 2)
	assert.Equal(t, []int{0, 1, 2, 3}, bm.CredentialBuckets())
	assert.Equal(t, 2, bm.GetEventBuckets())
}

func TestBucketingManager_ZeroCountsFallBackToOne(t *testing.T) {
	bm := bucketing.NewBucketingManagerWithCounts(0, -1)
	assert.Equal(t, 0, bm.GetCredentialBucket(uuid.New()))
	assert.Equal(t, 0, bm.GetEventBucket("patient:p-1"))
}

func TestBucketingManager_DateBucket(t *testing.T) {
	bm := bucketing.NewBucketingManagerWithCounts(1, 1)
	loc := time.FixedZone("UTC+10", 10*60*60)
	ts := time.Date(2026, 3, 2, 5, 0, 0, 0, loc)
	assert.Equal(t, "2026-03-01", bm.GetDateBucket(ts))
}
