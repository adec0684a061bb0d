package redisq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

func newTestQueue(t *testing.T, visibility time.Duration) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, visibility)
}

func TestEnqueueLeaseFIFO(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.TierPro, "job-a", "owner-1", 5, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.TierPro, "job-b", "owner-2", 5, 0)
	require.NoError(t, err)

	l1, err := q.Lease(ctx, domain.TierPro, "w1")
	require.NoError(t, err)
	require.NotNil(t, l1)
	assert.Equal(t, "job-a", l1.JobID)
	assert.Equal(t, "owner-1", l1.OwnerID)
	assert.Equal(t, 0, l1.Attempt)

	l2, err := q.Lease(ctx, domain.TierPro, "w1")
	require.NoError(t, err)
	require.NotNil(t, l2)
	assert.Equal(t, "job-b", l2.JobID)
}

func TestLeaseHonoursPriority(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx := context.Background()

	// Lower priority value wins even when enqueued later.
	_, err := q.Enqueue(ctx, domain.TierEnterprise, "job-low", "o1", 10, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.TierEnterprise, "job-high", "o2", 1, 0)
	require.NoError(t, err)

	l, err := q.Lease(ctx, domain.TierEnterprise, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "job-high", l.JobID)
}

func TestLeaseEmptyReturnsNil(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	l, err := q.Lease(context.Background(), domain.TierFree, "w1")
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestDelayedJobBecomesEligible(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.TierPro, "job-d", "o1", 5, 50*time.Millisecond)
	require.NoError(t, err)

	l, err := q.Lease(ctx, domain.TierPro, "w1")
	require.NoError(t, err)
	assert.Nil(t, l, "delayed job must not be leased before it is due")

	counts, err := q.Counts(ctx, domain.TierPro)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	time.Sleep(60 * time.Millisecond)
	l, err = q.Lease(ctx, domain.TierPro, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "job-d", l.JobID)
}

func TestPerOwnerConcurrencyCap(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx := context.Background()

	// free tier caps each owner at one concurrent lease
	_, err := q.Enqueue(ctx, domain.TierFree, "job-1", "owner-a", 10, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.TierFree, "job-2", "owner-a", 10, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.TierFree, "job-3", "owner-b", 10, 0)
	require.NoError(t, err)

	l1, err := q.Lease(ctx, domain.TierFree, "w1")
	require.NoError(t, err)
	require.NotNil(t, l1)
	assert.Equal(t, "job-1", l1.JobID)

	// owner-a is at cap; owner-b's job is leased instead
	l2, err := q.Lease(ctx, domain.TierFree, "w2")
	require.NoError(t, err)
	require.NotNil(t, l2)
	assert.Equal(t, "job-3", l2.JobID)

	l3, err := q.Lease(ctx, domain.TierFree, "w3")
	require.NoError(t, err)
	assert.Nil(t, l3)

	// completing frees the slot
	require.NoError(t, q.Complete(ctx, domain.TierFree, "job-1"))
	l4, err := q.Lease(ctx, domain.TierFree, "w1")
	require.NoError(t, err)
	require.NotNil(t, l4)
	assert.Equal(t, "job-2", l4.JobID)
}

func TestVisibilityTimeoutRelease(t *testing.T) {
	q := newTestQueue(t, 30*time.Millisecond)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.TierPro, "job-v", "o1", 5, 0)
	require.NoError(t, err)

	l1, err := q.Lease(ctx, domain.TierPro, "w1")
	require.NoError(t, err)
	require.NotNil(t, l1)
	assert.Equal(t, 0, l1.Attempt)

	// lease expires; the job is re-queued with an incremented attempt
	time.Sleep(40 * time.Millisecond)
	l2, err := q.Lease(ctx, domain.TierPro, "w2")
	require.NoError(t, err)
	require.NotNil(t, l2)
	assert.Equal(t, "job-v", l2.JobID)
	assert.Equal(t, 1, l2.Attempt)
}

func TestRemoveWaitingAndActive(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.TierPro, "job-r", "o1", 5, 0)
	require.NoError(t, err)

	removed, err := q.Remove(ctx, domain.TierPro, "job-r")
	require.NoError(t, err)
	assert.True(t, removed)

	// leased jobs cannot be removed from the queue
	_, err = q.Enqueue(ctx, domain.TierPro, "job-r2", "o1", 5, 0)
	require.NoError(t, err)
	_, err = q.Lease(ctx, domain.TierPro, "w1")
	require.NoError(t, err)
	removed, err = q.Remove(ctx, domain.TierPro, "job-r2")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveDelayed(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.TierFree, "job-d", "o1", 10, time.Hour)
	require.NoError(t, err)
	removed, err := q.Remove(ctx, domain.TierFree, "job-d")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestTierIsolation(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.TierPro, "job-p", "o1", 5, 0)
	require.NoError(t, err)

	pro, err := q.Counts(ctx, domain.TierPro)
	require.NoError(t, err)
	free, err := q.Counts(ctx, domain.TierFree)
	require.NoError(t, err)
	ent, err := q.Counts(ctx, domain.TierEnterprise)
	require.NoError(t, err)

	assert.Equal(t, int64(1), pro.Waiting)
	assert.Equal(t, int64(0), free.Waiting)
	assert.Equal(t, int64(0), ent.Waiting)

	l, err := q.Lease(ctx, domain.TierFree, "w1")
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestCounts(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.TierPro, "job-1", "o1", 5, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.TierPro, "job-2", "o2", 5, 0)
	require.NoError(t, err)

	_, err = q.Lease(ctx, domain.TierPro, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, domain.TierPro, "job-1"))

	l, err := q.Lease(ctx, domain.TierPro, "w1")
	require.NoError(t, err)
	require.NotNil(t, l)
	require.NoError(t, q.Fail(ctx, domain.TierPro, l.JobID))

	counts, err := q.Counts(ctx, domain.TierPro)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(0), counts.Active)
	assert.Equal(t, int64(1), counts.Completed)
	assert.Equal(t, int64(1), counts.Failed)
}
