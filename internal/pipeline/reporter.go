// Package pipeline runs leased render jobs through the six worker stages
// and reports progress back to the job store and event bus.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

const (
	// frameStride: only every Nth frame is eligible for a throttled emission.
	frameStride = 5
	// emitInterval is the global throttle between throttled emissions.
	emitInterval = 2 * time.Second
)

// Percentage computes the progress percentage for a frame count.
// A zero total reports zero rather than dividing.
func Percentage(frame, total int) int {
	if total <= 0 {
		return 0
	}
	pct := 100 * frame / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Reporter converts the renderer's per-frame callback into throttled
// progress writes and events. Stage entries and the final report bypass
// the throttle; frames are reported at most once and strictly increasing.
type Reporter struct {
	store domain.JobStore
	bus   domain.EventBus

	jobID   string
	ownerID string

	mu        sync.Mutex
	stage     domain.Stage
	lastEmit  time.Time
	lastFrame int
	total     int

	now func() time.Time
}

// NewReporter constructs a reporter bound to one job.
func NewReporter(store domain.JobStore, bus domain.EventBus, job domain.Job) *Reporter {
	return &Reporter{
		store:     store,
		bus:       bus,
		jobID:     job.ID,
		ownerID:   job.OwnerID,
		total:     job.TotalFrames,
		lastFrame: -1,
		now:       time.Now,
	}
}

// EnterStage records the new stage label and forces an emission.
func (r *Reporter) EnterStage(ctx context.Context, stage domain.Stage) {
	r.mu.Lock()
	r.stage = stage
	frame, total := r.lastFrame, r.total
	if frame < 0 {
		frame = 0
	}
	r.mu.Unlock()
	r.Force(ctx, frame, total)
}

// OnFrame is the throttled per-frame path. It emits only on every
// frameStride-th frame, at most once per emitInterval, and never reports a
// frame twice.
func (r *Reporter) OnFrame(ctx context.Context, frame, total int) {
	r.mu.Lock()
	if frame%frameStride != 0 || frame <= r.lastFrame {
		r.mu.Unlock()
		return
	}
	now := r.now()
	if now.Sub(r.lastEmit) < emitInterval {
		r.mu.Unlock()
		return
	}
	r.lastEmit = now
	r.lastFrame = frame
	if total > 0 {
		r.total = total
	}
	stage := r.stage
	r.mu.Unlock()

	r.emit(ctx, stage, frame, total)
}

// Force bypasses the throttle. Used at stage entry and on the final frame.
func (r *Reporter) Force(ctx context.Context, frame, total int) {
	r.mu.Lock()
	r.lastEmit = r.now()
	if frame > r.lastFrame {
		r.lastFrame = frame
	}
	if total > 0 {
		r.total = total
	}
	stage := r.stage
	r.mu.Unlock()

	r.emit(ctx, stage, frame, total)
}

func (r *Reporter) emit(ctx context.Context, stage domain.Stage, frame, total int) {
	pct := Percentage(frame, total)
	if err := r.store.UpdateProgress(ctx, r.jobID, frame, total, pct); err != nil {
		slog.Warn("progress write failed",
			slog.String("job_id", r.jobID), slog.Any("error", err))
	}
	e := domain.Event{
		Type:         domain.EventProgress,
		JobID:        r.jobID,
		OwnerID:      r.ownerID,
		Stage:        stage,
		CurrentFrame: frame,
		TotalFrames:  total,
		Percentage:   pct,
	}
	if err := r.bus.Publish(ctx, e); err != nil {
		slog.Warn("progress publish failed",
			slog.String("job_id", r.jobID), slog.Any("error", err))
	}
}
