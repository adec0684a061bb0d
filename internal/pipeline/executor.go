package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/renderflow/internal/adapter/observability"
	"github.com/fairyhunter13/renderflow/internal/adapter/render"
	"github.com/fairyhunter13/renderflow/internal/domain"
)

// ErrCancelled aborts the pipeline when a cooperative cancel is observed at
// a stage boundary. It is not a job failure.
var ErrCancelled = errors.New("cancel requested")

// compositionName is the composition the renderer selects from the bundle.
const compositionName = "Main"

// Executor runs one leased job through the six pipeline stages. Cancellation
// and the job deadline are checked only at stage boundaries; within a stage
// the worker is non-preemptable.
type Executor struct {
	Store      domain.JobStore
	Bus        domain.EventBus
	Fetcher    domain.CodeFetcher
	Workspaces *render.WorkspaceManager
	Bundler    domain.Bundler
	Renderer   domain.Renderer
	Storage    domain.Storage
	JobTimeout time.Duration
}

// Execute runs the stages for job. A nil return means the job completed and
// was marked so; ErrCancelled means a cancel was observed; any other error is
// a *domain.PipelineError carrying the classified kind and failing stage.
func (e *Executor) Execute(ctx context.Context, job domain.Job) error {
	rep := NewReporter(e.Store, e.Bus, job)
	started := time.Now()

	var ws *render.Workspace
	defer func() {
		// Cleanup never fails the job.
		if ws != nil {
			if err := ws.Cleanup(); err != nil {
				slog.Warn("workspace cleanup failed",
					slog.String("job_id", job.ID), slog.Any("error", err))
			}
		}
	}()

	rep.EnterStage(ctx, domain.StageFetching)
	code, err := e.Fetcher.Fetch(ctx, job.CodeURL)
	if err != nil {
		return domain.NewPipelineError(domain.ErrKindCode, domain.StageFetching, err)
	}

	if err := e.checkpoint(ctx, job, domain.StagePreparing); err != nil {
		return err
	}
	rep.EnterStage(ctx, domain.StagePreparing)
	ws, err = e.Workspaces.Prepare(ctx, job.ID, code)
	if err != nil {
		return domain.NewPipelineError(domain.ErrKindCode, domain.StagePreparing, err)
	}

	if err := e.checkpoint(ctx, job, domain.StageBundling); err != nil {
		return err
	}
	rep.EnterStage(ctx, domain.StageBundling)
	bundleURL, err := e.Bundler.Bundle(ctx, ws.EntryPoint())
	if err != nil {
		return domain.NewPipelineError(domain.ErrKindBundle, domain.StageBundling, err)
	}

	if err := e.checkpoint(ctx, job, domain.StageRendering); err != nil {
		return err
	}
	rep.EnterStage(ctx, domain.StageRendering)
	outputPath := ws.OutputPath(job.Settings.Format)
	in := domain.RenderInput{
		BundleURL:   bundleURL,
		Composition: compositionName,
		OutputPath:  outputPath,
		Settings:    job.Settings,
		Props:       job.CompositionProps,
	}
	if err := e.Renderer.Render(ctx, in, func(frame, total int) {
		rep.OnFrame(ctx, frame, total)
	}); err != nil {
		return domain.NewPipelineError(domain.ErrKindRender, domain.StageRendering, err)
	}
	rep.Force(ctx, job.Settings.DurationFrames, job.Settings.DurationFrames)
	observability.FramesRenderedTotal.Add(float64(job.Settings.DurationFrames))

	// encoding is observable between render and upload; a conflict here means
	// the job left processing already, which the next checkpoint surfaces.
	if err := e.Store.MarkEncoding(ctx, job.ID); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Warn("encoding transition failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}

	if err := e.checkpoint(ctx, job, domain.StageUploading); err != nil {
		return err
	}
	rep.EnterStage(ctx, domain.StageUploading)
	url, size, err := e.Storage.Upload(ctx, outputPath, job.OutputKey(), job.Settings.Format.ContentType())
	if err != nil {
		return domain.NewPipelineError(domain.ErrKindUpload, domain.StageUploading, err)
	}

	if err := e.Store.MarkCompleted(ctx, job.ID, url, size); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return ErrCancelled
		}
		return domain.NewPipelineError(domain.ErrKindUpload, domain.StageUploading, err)
	}

	elapsed := time.Since(started)
	observability.RenderDuration.WithLabelValues(string(job.Tier), string(job.Settings.Format)).
		Observe(elapsed.Seconds())
	now := time.Now().UTC()
	if err := e.Bus.Publish(ctx, domain.Event{
		Type:        domain.EventCompleted,
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		OutputURL:   url,
		FileSize:    size,
		DurationMS:  elapsed.Milliseconds(),
		CompletedAt: &now,
	}); err != nil {
		slog.Warn("completed publish failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	return nil
}

// checkpoint runs the stage-boundary checks: cooperative cancel and the hard
// job deadline. A read failure never aborts the job.
func (e *Executor) checkpoint(ctx context.Context, job domain.Job, next domain.Stage) error {
	fresh, err := e.Store.Get(ctx, job.ID)
	if err != nil {
		slog.Warn("checkpoint read failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return nil
	}
	if fresh.CancelRequested() || fresh.Status == domain.JobCancelled {
		return ErrCancelled
	}
	if e.JobTimeout > 0 && fresh.StartedAt != nil && time.Since(*fresh.StartedAt) > e.JobTimeout {
		return &domain.PipelineError{
			Kind:   domain.ErrKindTimeout,
			Stage:  next,
			Detail: "job exceeded its deadline before " + string(next),
		}
	}
	return nil
}
