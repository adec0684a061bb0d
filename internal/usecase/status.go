package usecase

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

// StatusService serves authoritative job snapshots and queue counts.
type StatusService struct {
	store domain.JobStore
	queue domain.TierQueue
}

// NewStatusService wires the status service.
func NewStatusService(store domain.JobStore, queue domain.TierQueue) *StatusService {
	return &StatusService{store: store, queue: queue}
}

// Get returns the owner's job snapshot.
func (s *StatusService) Get(ctx context.Context, ownerID, jobID string) (domain.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=status job=%s: %w", jobID, err)
	}
	if job.OwnerID != ownerID {
		return domain.Job{}, fmt.Errorf("op=status job=%s: %w", jobID, domain.ErrForbidden)
	}
	return job, nil
}

// Authorize reports whether the owner may observe the job. Used by the
// realtime subscription endpoint.
func (s *StatusService) Authorize(ctx context.Context, ownerID, jobID string) error {
	_, err := s.Get(ctx, ownerID, jobID)
	return err
}

// Counts returns the queue state snapshot for a tier.
func (s *StatusService) Counts(ctx context.Context, tier domain.Tier) (domain.QueueCounts, error) {
	if !tier.Valid() {
		return domain.QueueCounts{}, fmt.Errorf("op=counts tier=%s: %w", tier, domain.ErrValidation)
	}
	counts, err := s.queue.Counts(ctx, tier)
	if err != nil {
		return domain.QueueCounts{}, fmt.Errorf("op=counts tier=%s: %w", tier, err)
	}
	return counts, nil
}
