package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/renderflow/internal/adapter/observability"
	"github.com/fairyhunter13/renderflow/internal/domain"
)

// CancelService cancels jobs: immediately while waiting, cooperatively once
// a worker holds the lease.
type CancelService struct {
	store  domain.JobStore
	queue  domain.TierQueue
	ledger domain.CreditLedger
	bus    domain.EventBus
}

// NewCancelService wires the cancellation service.
func NewCancelService(store domain.JobStore, queue domain.TierQueue, ledger domain.CreditLedger, bus domain.EventBus) *CancelService {
	return &CancelService{store: store, queue: queue, ledger: ledger, bus: bus}
}

// Cancel cancels the owner's job. Waiting and delayed jobs are cancelled
// immediately; active jobs get a cooperative cancel flag the worker observes
// at its next stage boundary. Credits are refunded either way, at most once
// per job.
func (c *CancelService) Cancel(ctx context.Context, ownerID, jobID string) (domain.Job, error) {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=cancel job=%s: %w", jobID, err)
	}
	if job.OwnerID != ownerID {
		return domain.Job{}, fmt.Errorf("op=cancel job=%s: %w", jobID, domain.ErrForbidden)
	}
	if job.Status.Terminal() {
		return domain.Job{}, fmt.Errorf("op=cancel job=%s status=%s: %w", jobID, job.Status, domain.ErrConflict)
	}

	removed, err := c.queue.Remove(ctx, job.Tier, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=cancel.remove: %w", err)
	}

	if removed || job.Status == domain.JobQueued {
		if err := c.store.MarkCancelled(ctx, jobID); err != nil {
			return domain.Job{}, fmt.Errorf("op=cancel.mark: %w", err)
		}
		job.Status = domain.JobCancelled
		observability.JobsCancelledTotal.WithLabelValues(string(job.Tier)).Inc()
		if err := c.bus.Publish(ctx, domain.Event{
			Type:    domain.EventCancelled,
			JobID:   jobID,
			OwnerID: ownerID,
		}); err != nil {
			slog.Warn("cancelled publish failed",
				slog.String("job_id", jobID), slog.Any("error", err))
		}
	} else {
		// A worker holds the lease; it observes the flag at the next stage
		// boundary, marks the job cancelled, and publishes the event.
		job, err = c.store.RequestCancel(ctx, jobID)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return domain.Job{}, fmt.Errorf("op=cancel job=%s: %w", jobID, domain.ErrConflict)
			}
			return domain.Job{}, fmt.Errorf("op=cancel.request: %w", err)
		}
	}

	c.refund(ctx, job)
	return job, nil
}

// refund returns the job's credit hold to the owner and frees its daily
// quota slot. Idempotent by job, so racing with the failure path cannot
// double-refund or free two slots.
func (c *CancelService) refund(ctx context.Context, job domain.Job) {
	// Only queued/processing/encoding/completed jobs count toward the daily
	// quota, so a cancelled job hands its slot back.
	if err := c.ledger.ReleaseDaily(ctx, job.OwnerID, job.QueuedAt, dailyRef(job.ID)); err != nil {
		slog.Warn("daily slot release failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	if job.CreditsCharged <= 0 {
		return
	}
	balance, err := c.ledger.Refund(ctx, job.OwnerID, job.CreditsCharged, refundRef(job.ID))
	if err != nil {
		slog.Error("cancel refund failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.CreditsRefundedTotal.Add(float64(job.CreditsCharged))
	if err := c.bus.Publish(ctx, domain.Event{
		Type:    domain.EventCreditsUpdated,
		OwnerID: job.OwnerID,
		Balance: balance,
	}); err != nil {
		slog.Warn("credits event publish failed",
			slog.String("owner_id", job.OwnerID), slog.Any("error", err))
	}
}
