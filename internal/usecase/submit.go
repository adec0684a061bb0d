// Package usecase contains the broker services: admission, cancellation,
// retry coordination, and status reads. Services depend only on the domain
// ports; adapters are wired in at process start.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"

	"github.com/fairyhunter13/renderflow/internal/adapter/observability"
	"github.com/fairyhunter13/renderflow/internal/domain"
)

// Free-tier gates.
const (
	freeMaxHeight  = 720
	freeDailyLimit = 3
)

// deductRef returns the idempotency ref for a job's credit hold.
func deductRef(jobID string) string { return jobID + ":submit" }

// refundRef returns the idempotency ref for a job's refund. One ref covers
// both the cancel and the terminal-failure path so a job is refunded at
// most once.
func refundRef(jobID string) string { return jobID + ":refund" }

// dailyRef returns the idempotency ref for releasing a job's daily quota
// slot. Shared by the cancel and the terminal-failure path so a job frees
// at most one slot.
func dailyRef(jobID string) string { return jobID + ":daily" }

// Owner identifies the submitting principal and its subscription plan.
type Owner struct {
	ID   string
	Plan string
}

// SubmitRequest is an admission request.
type SubmitRequest struct {
	ProjectID        string
	CodeURL          string
	Assets           []domain.AssetRef
	Settings         domain.RenderSettings
	CompositionProps map[string]any
}

// SubmitService admits render jobs: tier gates, credit hold, job creation,
// and enqueue.
type SubmitService struct {
	store   domain.JobStore
	queue   domain.TierQueue
	ledger  domain.CreditLedger
	bus     domain.EventBus
	pricing domain.PricingFunc
}

// NewSubmitService wires the admission service. A nil pricing falls back to
// the default pricing.
func NewSubmitService(store domain.JobStore, queue domain.TierQueue, ledger domain.CreditLedger, bus domain.EventBus, pricing domain.PricingFunc) *SubmitService {
	if pricing == nil {
		pricing = domain.DefaultPricing
	}
	return &SubmitService{store: store, queue: queue, ledger: ledger, bus: bus, pricing: pricing}
}

// Submit runs the admission sequence. The credit hold is atomic; a job row
// only exists once credits are held, and an enqueue failure leaves the job
// queued for the reaper to re-enqueue.
func (s *SubmitService) Submit(ctx context.Context, owner Owner, req SubmitRequest) (domain.Job, error) {
	if err := validateSubmit(owner, req); err != nil {
		return domain.Job{}, err
	}
	tier := domain.QueueTierFor(owner.Plan)

	if tier == domain.TierFree {
		if req.Settings.Height > freeMaxHeight {
			return domain.Job{}, fmt.Errorf("op=submit owner=%s: height %d: %w",
				owner.ID, req.Settings.Height, domain.ErrQuotaResolution)
		}
		count, err := s.ledger.DailyCount(ctx, owner.ID)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=submit.daily_count: %w", err)
		}
		if count >= freeDailyLimit {
			return domain.Job{}, fmt.Errorf("op=submit owner=%s: %w", owner.ID, domain.ErrQuotaDaily)
		}
	}

	jobID := uuid.New().String()
	cost := s.pricing(req.Settings)

	balance, err := s.ledger.Deduct(ctx, owner.ID, cost, deductRef(jobID))
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=submit owner=%s cost=%d: %w", owner.ID, cost, err)
	}

	job, err := s.store.Create(ctx, domain.Job{
		ID:               jobID,
		OwnerID:          owner.ID,
		ProjectID:        req.ProjectID,
		CodeURL:          req.CodeURL,
		Assets:           req.Assets,
		Settings:         req.Settings,
		CompositionProps: req.CompositionProps,
		Tier:             tier,
		CreditsCharged:   cost,
	})
	if err != nil {
		// Roll the hold back; the job row never existed.
		if _, rerr := s.ledger.Refund(ctx, owner.ID, cost, refundRef(jobID)); rerr != nil {
			slog.Error("credit rollback failed",
				slog.String("job_id", jobID), slog.Any("error", rerr))
		}
		return domain.Job{}, fmt.Errorf("op=submit.create: %w", err)
	}

	handle, err := s.queue.Enqueue(ctx, tier, job.ID, owner.ID, tier.Priority(), 0)
	if err != nil {
		// The job stays queued; the reaper re-enqueues orphans.
		slog.Error("enqueue failed, job left queued",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return domain.Job{}, fmt.Errorf("op=submit.enqueue: %w", err)
	}
	if err := s.store.SetQueueHandle(ctx, job.ID, handle); err != nil {
		slog.Warn("queue handle write failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	job.QueueHandle = handle

	if _, err := s.ledger.IncrDailyCount(ctx, owner.ID); err != nil {
		slog.Warn("daily counter increment failed",
			slog.String("owner_id", owner.ID), slog.Any("error", err))
	}

	observability.JobsEnqueuedTotal.WithLabelValues(string(tier)).Inc()
	observability.CreditsDeductedTotal.Add(float64(cost))
	if err := s.bus.Publish(ctx, domain.Event{
		Type:    domain.EventCreditsUpdated,
		OwnerID: owner.ID,
		Balance: balance,
	}); err != nil {
		slog.Warn("credits event publish failed",
			slog.String("owner_id", owner.ID), slog.Any("error", err))
	}
	return job, nil
}

func validateSubmit(owner Owner, req SubmitRequest) error {
	if owner.ID == "" {
		return fmt.Errorf("op=submit: missing owner: %w", domain.ErrUnauthorized)
	}
	u, err := url.Parse(req.CodeURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("op=submit: code_url must be absolute: %w", domain.ErrValidation)
	}
	st := req.Settings
	if !st.Format.Valid() {
		return fmt.Errorf("op=submit: format %q: %w", st.Format, domain.ErrValidation)
	}
	if st.Width < 1 || st.Width > 3840 || st.Height < 1 || st.Height > 2160 {
		return fmt.Errorf("op=submit: dimensions %dx%d: %w", st.Width, st.Height, domain.ErrValidation)
	}
	if st.FPS < 1 || st.FPS > 120 {
		return fmt.Errorf("op=submit: fps %d: %w", st.FPS, domain.ErrValidation)
	}
	if st.DurationFrames < 1 || st.DurationFrames > 108000 {
		return fmt.Errorf("op=submit: duration_frames %d: %w", st.DurationFrames, domain.ErrValidation)
	}
	return nil
}
