package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/renderflow/internal/adapter/observability"
	"github.com/fairyhunter13/renderflow/internal/domain"
)

// backoffBase is the retry delay base; attempt n waits backoffBase * 2^n.
const backoffBase = 5 * time.Second

// RetryDelay returns the re-enqueue delay for the given attempt.
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	return backoffBase * (1 << attempt)
}

// RetryCoordinator applies the error-kind retry policy after a pipeline
// failure: re-enqueue with backoff while budget remains, otherwise terminal
// failure with refund.
type RetryCoordinator struct {
	store  domain.JobStore
	queue  domain.TierQueue
	ledger domain.CreditLedger
	bus    domain.EventBus
}

// NewRetryCoordinator wires the coordinator.
func NewRetryCoordinator(store domain.JobStore, queue domain.TierQueue, ledger domain.CreditLedger, bus domain.EventBus) *RetryCoordinator {
	return &RetryCoordinator{store: store, queue: queue, ledger: ledger, bus: bus}
}

// HandleFailure routes one classified failure. detail must already be
// sanitized.
func (r *RetryCoordinator) HandleFailure(ctx context.Context, job domain.Job, kind domain.ErrorKind, detail string) error {
	attempt := job.RetryCount
	if kind.Retryable() && attempt < kind.MaxRetries() {
		return r.requeue(ctx, job, kind, attempt)
	}
	return r.fail(ctx, job, kind, detail)
}

func (r *RetryCoordinator) requeue(ctx context.Context, job domain.Job, kind domain.ErrorKind, attempt int) error {
	if err := r.store.Requeue(ctx, job.ID, attempt+1); err != nil {
		return fmt.Errorf("op=retry.requeue job=%s: %w", job.ID, err)
	}
	delay := RetryDelay(attempt)
	handle, err := r.queue.Enqueue(ctx, job.Tier, job.ID, job.OwnerID, job.Tier.Priority(), delay)
	if err != nil {
		return fmt.Errorf("op=retry.enqueue job=%s: %w", job.ID, err)
	}
	if err := r.store.SetQueueHandle(ctx, job.ID, handle); err != nil {
		slog.Warn("queue handle write failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.JobsRetriedTotal.WithLabelValues(string(job.Tier), string(kind)).Inc()
	slog.Info("job re-enqueued",
		slog.String("job_id", job.ID),
		slog.String("kind", string(kind)),
		slog.Int("attempt", attempt+1),
		slog.Duration("delay", delay))
	return nil
}

func (r *RetryCoordinator) fail(ctx context.Context, job domain.Job, kind domain.ErrorKind, detail string) error {
	if err := r.store.MarkFailed(ctx, job.ID, kind, detail); err != nil {
		return fmt.Errorf("op=retry.fail job=%s: %w", job.ID, err)
	}
	observability.JobsFailedTotal.WithLabelValues(string(job.Tier), string(kind)).Inc()

	// A terminally failed job no longer counts toward the owner's daily
	// quota; idempotent with the cancel path.
	if err := r.ledger.ReleaseDaily(ctx, job.OwnerID, job.QueuedAt, dailyRef(job.ID)); err != nil {
		slog.Warn("daily slot release failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}

	if job.CreditsCharged > 0 {
		balance, err := r.ledger.Refund(ctx, job.OwnerID, job.CreditsCharged, refundRef(job.ID))
		if err != nil {
			slog.Error("failure refund failed",
				slog.String("job_id", job.ID), slog.Any("error", err))
		} else {
			observability.CreditsRefundedTotal.Add(float64(job.CreditsCharged))
			if perr := r.bus.Publish(ctx, domain.Event{
				Type:    domain.EventCreditsUpdated,
				OwnerID: job.OwnerID,
				Balance: balance,
			}); perr != nil {
				slog.Warn("credits event publish failed",
					slog.String("owner_id", job.OwnerID), slog.Any("error", perr))
			}
		}
	}

	if err := r.bus.Publish(ctx, domain.Event{
		Type:        domain.EventFailed,
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		ErrorKind:   kind,
		ErrorDetail: detail,
	}); err != nil {
		slog.Warn("failed publish failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	return nil
}
