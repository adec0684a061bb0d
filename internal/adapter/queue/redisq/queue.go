// Package redisq implements the tier queues on Redis.
//
// Each tier owns a disjoint key family under render:<tier>. Jobs wait in a
// priority-ordered sorted set, park in a delayed set until due, and sit in an
// active set with a visibility deadline while leased. Per-owner concurrency
// caps are enforced at lease time.
package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

// scanLimit bounds how many waiting jobs one lease call inspects while
// looking for an owner under the concurrency cap.
const scanLimit = 50

// Queue implements domain.TierQueue on a single Redis instance.
type Queue struct {
	rdb        *redis.Client
	visibility time.Duration

	enqueue *redis.Script
	lease   *redis.Script
	release *redis.Script
	remove  *redis.Script
}

// New constructs a Queue over an existing Redis client.
func New(rdb *redis.Client, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = 30 * time.Minute
	}
	return &Queue{
		rdb:        rdb,
		visibility: visibility,
		enqueue:    redis.NewScript(enqueueScript),
		lease:      redis.NewScript(leaseScript),
		release:    redis.NewScript(releaseScript),
		remove:     redis.NewScript(removeScript),
	}
}

// NewFromURL dials Redis from a URL and constructs a Queue.
func NewFromURL(redisURL string, visibility time.Duration) (*Queue, *redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("op=redisq.New: %w", err)
	}
	rdb := redis.NewClient(opt)
	return New(rdb, visibility), rdb, nil
}

func keys(tier domain.Tier) (waiting, delayed, active, owners, seq, jobPrefix string) {
	base := tier.QueueName()
	return base + ":waiting", base + ":delayed", base + ":active",
		base + ":owners", base + ":seq", base + ":job:"
}

// Enqueue places a job into the tier's waiting set, or the delayed set when
// delay > 0. It returns an opaque queue handle.
func (q *Queue) Enqueue(ctx context.Context, tier domain.Tier, jobID, ownerID string, priority int, delay time.Duration) (string, error) {
	waiting, delayed, _, _, seq, prefix := keys(tier)
	now := time.Now().UnixMilli()
	res, err := q.enqueue.Run(ctx, q.rdb,
		[]string{waiting, delayed, seq, prefix + jobID},
		jobID, ownerID, priority, delay.Milliseconds(), now,
	).Int64()
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue tier=%s: %w", tier, err)
	}
	return fmt.Sprintf("%s:%d", tier, res), nil
}

// Lease atomically pops the next eligible job and marks it active. It first
// promotes due delayed jobs and re-queues leases past the visibility deadline.
// Returns nil when no job is eligible.
func (q *Queue) Lease(ctx context.Context, tier domain.Tier, workerID string) (*domain.Lease, error) {
	waiting, delayed, active, owners, seq, prefix := keys(tier)
	now := time.Now().UnixMilli()
	deadline := now + q.visibility.Milliseconds()
	res, err := q.lease.Run(ctx, q.rdb,
		[]string{waiting, delayed, active, owners, seq},
		now, deadline, tier.OwnerConcurrency(), prefix, scanLimit,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.lease tier=%s: %w", tier, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return nil, fmt.Errorf("op=queue.lease tier=%s: unexpected script result %v", tier, res)
	}
	lease := &domain.Lease{
		JobID:   toString(vals[0]),
		OwnerID: toString(vals[1]),
		Attempt: int(toInt64(vals[2])),
	}
	slog.Debug("job leased",
		slog.String("job_id", lease.JobID),
		slog.String("tier", string(tier)),
		slog.String("worker_id", workerID),
		slog.Int("attempt", lease.Attempt))
	return lease, nil
}

// Complete acknowledges a leased job and frees its owner slot.
func (q *Queue) Complete(ctx context.Context, tier domain.Tier, jobID string) error {
	return q.releaseTo(ctx, tier, jobID, ":completed", "queue.complete")
}

// Fail acknowledges a leased job as failed and frees its owner slot. Retry
// re-enqueues are performed separately by the broker via Enqueue with delay.
func (q *Queue) Fail(ctx context.Context, tier domain.Tier, jobID string) error {
	return q.releaseTo(ctx, tier, jobID, ":failed", "queue.fail")
}

func (q *Queue) releaseTo(ctx context.Context, tier domain.Tier, jobID, counter, op string) error {
	_, _, active, owners, _, prefix := keys(tier)
	base := tier.QueueName()
	if _, err := q.release.Run(ctx, q.rdb,
		[]string{active, owners, base + counter},
		jobID, prefix,
	).Result(); err != nil {
		return fmt.Errorf("op=%s tier=%s: %w", op, tier, err)
	}
	return nil
}

// Remove deletes a waiting or delayed job. It reports false when the job is
// active; cancelling an active job requires cooperative worker acknowledgement.
func (q *Queue) Remove(ctx context.Context, tier domain.Tier, jobID string) (bool, error) {
	waiting, delayed, _, _, _, prefix := keys(tier)
	removed, err := q.remove.Run(ctx, q.rdb,
		[]string{waiting, delayed},
		jobID, prefix,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("op=queue.remove tier=%s: %w", tier, err)
	}
	return removed == 1, nil
}

// Counts returns a snapshot of the tier's queue state.
func (q *Queue) Counts(ctx context.Context, tier domain.Tier) (domain.QueueCounts, error) {
	waiting, delayed, active, _, _, _ := keys(tier)
	base := tier.QueueName()
	pipe := q.rdb.Pipeline()
	w := pipe.ZCard(ctx, waiting)
	d := pipe.ZCard(ctx, delayed)
	a := pipe.ZCard(ctx, active)
	c := pipe.Get(ctx, base+":completed")
	f := pipe.Get(ctx, base+":failed")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.QueueCounts{}, fmt.Errorf("op=queue.counts tier=%s: %w", tier, err)
	}
	counts := domain.QueueCounts{
		Waiting: w.Val(),
		Delayed: d.Val(),
		Active:  a.Val(),
	}
	counts.Completed, _ = c.Int64()
	counts.Failed, _ = f.Int64()
	return counts, nil
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		var n int64
		_, _ = fmt.Sscan(t, &n)
		return n
	default:
		return 0
	}
}
