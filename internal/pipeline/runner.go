package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/renderflow/internal/adapter/observability"
	"github.com/fairyhunter13/renderflow/internal/domain"
	"github.com/fairyhunter13/renderflow/pkg/textx"
)

// FailureHandler decides what happens after a classified pipeline failure:
// retry with backoff or terminal failure with refund.
type FailureHandler interface {
	HandleFailure(ctx context.Context, job domain.Job, kind domain.ErrorKind, detail string) error
}

// leaseOrder is the tier scan order; higher tiers are polled first.
var leaseOrder = []domain.Tier{domain.TierEnterprise, domain.TierPro, domain.TierFree}

// Runner is the worker lease loop. It polls the tier queues, executes leased
// jobs, and routes failures through the FailureHandler.
type Runner struct {
	Queue    domain.TierQueue
	Store    domain.JobStore
	Bus      domain.EventBus
	Exec     *Executor
	Failures FailureHandler

	WorkerID     string
	Concurrency  int
	PollInterval time.Duration

	active atomic.Int64
}

// ActiveJobs returns the number of jobs currently executing.
func (r *Runner) ActiveJobs() int64 { return r.active.Load() }

// Run blocks until the context is cancelled, processing jobs with
// Concurrency parallel loops.
func (r *Runner) Run(ctx context.Context) error {
	n := r.Concurrency
	if n < 1 {
		n = 1
	}
	poll := r.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", r.WorkerID, i)
		go func() {
			defer wg.Done()
			r.loop(ctx, workerID, poll)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) loop(ctx context.Context, workerID string, poll time.Duration) {
	timer := time.NewTimer(poll)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if r.leaseOne(ctx, workerID) {
			continue
		}
		timer.Reset(poll)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// leaseOne scans the tiers in priority order and processes the first lease
// found. It reports whether any work was done.
func (r *Runner) leaseOne(ctx context.Context, workerID string) bool {
	for _, tier := range leaseOrder {
		lease, err := r.Queue.Lease(ctx, tier, workerID)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("queue lease failed",
					slog.String("tier", string(tier)), slog.Any("error", err))
			}
			continue
		}
		if lease == nil {
			continue
		}
		r.process(ctx, tier, lease)
		return true
	}
	return false
}

// reclaim bounces a stale processing row back through queued so this worker
// can take over a lease the queue re-delivered after a visibility timeout.
// Any status other than processing means the job genuinely isn't runnable.
func (r *Runner) reclaim(ctx context.Context, lease *domain.Lease) (domain.Job, error) {
	job, err := r.Store.Get(ctx, lease.JobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobProcessing {
		return domain.Job{}, fmt.Errorf("op=runner.reclaim job=%s status=%s: %w",
			lease.JobID, job.Status, domain.ErrConflict)
	}
	if err := r.Store.Requeue(ctx, lease.JobID, lease.Attempt); err != nil {
		return domain.Job{}, fmt.Errorf("op=runner.reclaim job=%s: %w", lease.JobID, err)
	}
	return r.Store.MarkProcessing(ctx, lease.JobID)
}

func (r *Runner) process(ctx context.Context, tier domain.Tier, lease *domain.Lease) {
	log := slog.With(
		slog.String("job_id", lease.JobID),
		slog.String("tier", string(tier)),
		slog.Int("attempt", lease.Attempt))

	job, err := r.Store.MarkProcessing(ctx, lease.JobID)
	if err != nil && errors.Is(err, domain.ErrConflict) && lease.Attempt > 0 {
		// A re-delivered lease: the previous holder's visibility deadline
		// passed while the store still says processing. Take the job over.
		job, err = r.reclaim(ctx, lease)
	}
	if err != nil {
		// Already cancelled, finished, or unknown; release the lease quietly.
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			log.Info("lease released, job no longer runnable", slog.Any("error", err))
		} else {
			log.Error("processing transition failed", slog.Any("error", err))
		}
		_ = r.Queue.Complete(ctx, tier, lease.JobID)
		return
	}
	// The queue is the source of truth for re-lease attempts.
	if lease.Attempt > job.RetryCount {
		job.RetryCount = lease.Attempt
	}

	r.active.Add(1)
	observability.JobsActive.WithLabelValues(string(tier)).Inc()
	defer func() {
		r.active.Add(-1)
		observability.JobsActive.WithLabelValues(string(tier)).Dec()
	}()

	if err := r.Bus.Publish(ctx, domain.Event{
		Type:      domain.EventStarted,
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		StartedAt: job.StartedAt,
	}); err != nil {
		log.Warn("started publish failed", slog.Any("error", err))
	}

	execErr := r.Exec.Execute(ctx, job)
	switch {
	case execErr == nil:
		if err := r.Queue.Complete(ctx, tier, job.ID); err != nil {
			log.Warn("queue complete failed", slog.Any("error", err))
		}
		observability.JobsCompletedTotal.WithLabelValues(string(tier)).Inc()
		log.Info("job completed")

	case errors.Is(execErr, ErrCancelled):
		if err := r.Store.MarkCancelled(ctx, job.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
			log.Error("cancelled transition failed", slog.Any("error", err))
		}
		if err := r.Queue.Complete(ctx, tier, job.ID); err != nil {
			log.Warn("queue complete failed", slog.Any("error", err))
		}
		if err := r.Bus.Publish(ctx, domain.Event{
			Type:    domain.EventCancelled,
			JobID:   job.ID,
			OwnerID: job.OwnerID,
		}); err != nil {
			log.Warn("cancelled publish failed", slog.Any("error", err))
		}
		observability.JobsCancelledTotal.WithLabelValues(string(tier)).Inc()
		log.Info("job cancelled mid-pipeline")

	default:
		kind, detail := domain.ClassifyPipelineError(execErr, domain.StageRendering)
		detail = textx.SanitizeErrorDetail(detail)
		if err := r.Queue.Fail(ctx, tier, job.ID); err != nil {
			log.Warn("queue fail failed", slog.Any("error", err))
		}
		if err := r.Failures.HandleFailure(ctx, job, kind, detail); err != nil {
			log.Error("failure handling failed",
				slog.String("kind", string(kind)), slog.Any("error", err))
		}
		log.Warn("job stage failed",
			slog.String("kind", string(kind)), slog.String("detail", detail))
	}
}
