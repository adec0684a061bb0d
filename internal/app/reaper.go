package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/renderflow/internal/adapter/observability"
	"github.com/fairyhunter13/renderflow/internal/domain"
	"github.com/fairyhunter13/renderflow/internal/pipeline"
)

// reaperPageSize bounds one sweep's work.
const reaperPageSize = 100

// orphanGrace is how long a queued job may sit without a queue handle before
// the reaper re-enqueues it. Covers a crash between job insert and enqueue.
const orphanGrace = time.Minute

// Reaper periodically fails jobs whose workers went silent and re-enqueues
// queued jobs that never reached a queue.
type Reaper struct {
	store    domain.JobStore
	queue    domain.TierQueue
	failures pipeline.FailureHandler

	jobTimeout time.Duration
	grace      time.Duration
	interval   time.Duration
}

// NewReaper constructs a reaper. A job is considered stale once started_at is
// older than jobTimeout+grace.
func NewReaper(store domain.JobStore, queue domain.TierQueue, failures pipeline.FailureHandler, jobTimeout, grace, interval time.Duration) *Reaper {
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Minute
	}
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		store:      store,
		queue:      queue,
		failures:   failures,
		jobTimeout: jobTimeout,
		grace:      grace,
		interval:   interval,
	}
}

// Run sweeps immediately, then on every tick until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	r.sweepStale(ctx)
	r.sweepOrphans(ctx)
	r.recordDepths(ctx)
}

// recordDepths refreshes the queue depth gauges alongside each sweep.
func (r *Reaper) recordDepths(ctx context.Context) {
	for _, tier := range []domain.Tier{domain.TierEnterprise, domain.TierPro, domain.TierFree} {
		counts, err := r.queue.Counts(ctx, tier)
		if err != nil {
			slog.Warn("queue counts failed",
				slog.String("tier", string(tier)), slog.Any("error", err))
			continue
		}
		observability.QueueDepth.WithLabelValues(string(tier), "waiting").Set(float64(counts.Waiting))
		observability.QueueDepth.WithLabelValues(string(tier), "active").Set(float64(counts.Active))
		observability.QueueDepth.WithLabelValues(string(tier), "delayed").Set(float64(counts.Delayed))
	}
}

// sweepStale times out processing jobs whose deadline has long passed.
func (r *Reaper) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-(r.jobTimeout + r.grace))
	jobs, err := r.store.ListStaleProcessing(ctx, cutoff, reaperPageSize)
	if err != nil {
		slog.Error("stale sweep query failed", slog.Any("error", err))
		return
	}
	for _, job := range jobs {
		log := slog.With(slog.String("job_id", job.ID), slog.String("tier", string(job.Tier)))
		if err := r.queue.Fail(ctx, job.Tier, job.ID); err != nil {
			log.Warn("queue fail failed", slog.Any("error", err))
		}
		if err := r.failures.HandleFailure(ctx, job, domain.ErrKindTimeout, "no progress within deadline"); err != nil {
			log.Error("timeout failure handling failed", slog.Any("error", err))
			continue
		}
		log.Warn("stale job timed out", slog.Time("started_at", derefTime(job.StartedAt)))
	}
}

// sweepOrphans re-enqueues queued jobs that never received a queue handle.
func (r *Reaper) sweepOrphans(ctx context.Context) {
	cutoff := time.Now().Add(-orphanGrace)
	jobs, err := r.store.ListStaleQueued(ctx, cutoff, reaperPageSize)
	if err != nil {
		slog.Error("orphan sweep query failed", slog.Any("error", err))
		return
	}
	for _, job := range jobs {
		log := slog.With(slog.String("job_id", job.ID), slog.String("tier", string(job.Tier)))
		handle, err := r.queue.Enqueue(ctx, job.Tier, job.ID, job.OwnerID, job.Tier.Priority(), 0)
		if err != nil {
			log.Error("orphan re-enqueue failed", slog.Any("error", err))
			continue
		}
		if err := r.store.SetQueueHandle(ctx, job.ID, handle); err != nil {
			log.Warn("queue handle write failed", slog.Any("error", err))
		}
		log.Info("orphaned job re-enqueued")
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
