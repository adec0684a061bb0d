package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

// JobRepo persists render jobs in PostgreSQL and implements domain.JobStore.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, owner_id, project_id, code_url, assets, width, height, fps,
	duration_frames, format, composition_props, tier, status, retry_count, max_retries,
	credits_charged, progress, current_frame, total_frames, output_url, output_size_bytes,
	error_kind, error_detail, queue_handle, queued_at, started_at, completed_at,
	cancel_requested_at, epoch`

// Create inserts a new job in status queued and returns it with its id set.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (domain.Job, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JobQueued
	}
	if j.QueuedAt.IsZero() {
		j.QueuedAt = time.Now().UTC()
	}
	assets, err := json.Marshal(j.Assets)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	props, err := json.Marshal(j.CompositionProps)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	q := `INSERT INTO render_jobs (id, owner_id, project_id, code_url, assets, width, height,
		fps, duration_frames, format, composition_props, tier, status, retry_count, max_retries,
		credits_charged, total_frames, queued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`
	_, err = r.Pool.Exec(ctx, q, j.ID, j.OwnerID, j.ProjectID, j.CodeURL, assets,
		j.Settings.Width, j.Settings.Height, j.Settings.FPS, j.Settings.DurationFrames,
		string(j.Settings.Format), props, string(j.Tier), string(j.Status),
		j.RetryCount, j.MaxRetries, j.CreditsCharged, j.Settings.DurationFrames, j.QueuedAt)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	j.TotalFrames = j.Settings.DurationFrames
	return j, nil
}

// Get loads a job snapshot by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// MarkProcessing performs the lease edge queued -> processing and stamps
// started_at. Any other source status is a conflict.
func (r *JobRepo) MarkProcessing(ctx domain.Context, id string) (domain.Job, error) {
	q := `UPDATE render_jobs SET status='processing', started_at=$2, epoch=epoch+1
		WHERE id=$1 AND status='queued' RETURNING ` + jobColumns
	row := r.Pool.QueryRow(ctx, q, id, time.Now().UTC())
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.mark_processing id=%s: %w", id, domain.ErrConflict)
		}
		return domain.Job{}, fmt.Errorf("op=job.mark_processing: %w", err)
	}
	return j, nil
}

// MarkEncoding moves processing -> encoding.
func (r *JobRepo) MarkEncoding(ctx domain.Context, id string) error {
	q := `UPDATE render_jobs SET status='encoding', epoch=epoch+1
		WHERE id=$1 AND status='processing'`
	return r.guarded(ctx, "job.mark_encoding", q, id)
}

// MarkCompleted finalizes a processing or encoding job.
func (r *JobRepo) MarkCompleted(ctx domain.Context, id, outputURL string, sizeBytes int64) error {
	q := `UPDATE render_jobs SET status='completed', output_url=$2, output_size_bytes=$3,
		progress=100, completed_at=$4, cancel_requested_at=NULL, epoch=epoch+1
		WHERE id=$1 AND status IN ('processing','encoding')`
	return r.guarded(ctx, "job.mark_completed", q, id, outputURL, sizeBytes, time.Now().UTC())
}

// MarkFailed records a terminal failure with its classified kind.
func (r *JobRepo) MarkFailed(ctx domain.Context, id string, kind domain.ErrorKind, detail string) error {
	q := `UPDATE render_jobs SET status='failed', error_kind=$2, error_detail=$3,
		completed_at=$4, cancel_requested_at=NULL, epoch=epoch+1
		WHERE id=$1 AND status IN ('processing','encoding')`
	return r.guarded(ctx, "job.mark_failed", q, id, string(kind), detail, time.Now().UTC())
}

// MarkCancelled terminates a queued, processing, or encoding job.
func (r *JobRepo) MarkCancelled(ctx domain.Context, id string) error {
	q := `UPDATE render_jobs SET status='cancelled', completed_at=$2,
		cancel_requested_at=NULL, epoch=epoch+1
		WHERE id=$1 AND status IN ('queued','processing','encoding')`
	return r.guarded(ctx, "job.mark_cancelled", q, id, time.Now().UTC())
}

// Requeue performs the retry edge processing -> queued.
func (r *JobRepo) Requeue(ctx domain.Context, id string, retryCount int) error {
	q := `UPDATE render_jobs SET status='queued', retry_count=$2, started_at=NULL, epoch=epoch+1
		WHERE id=$1 AND status='processing'`
	return r.guarded(ctx, "job.requeue", q, id, retryCount)
}

// RequestCancel flags a cooperative cancel and returns the updated snapshot.
// Terminal jobs conflict; unknown jobs are not found.
func (r *JobRepo) RequestCancel(ctx domain.Context, id string) (domain.Job, error) {
	q := `UPDATE render_jobs SET cancel_requested_at=$2
		WHERE id=$1 AND status IN ('queued','processing','encoding') RETURNING ` + jobColumns
	row := r.Pool.QueryRow(ctx, q, id, time.Now().UTC())
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			if _, gerr := r.Get(ctx, id); gerr != nil {
				return domain.Job{}, gerr
			}
			return domain.Job{}, fmt.Errorf("op=job.request_cancel id=%s: %w", id, domain.ErrConflict)
		}
		return domain.Job{}, fmt.Errorf("op=job.request_cancel: %w", err)
	}
	return j, nil
}

// UpdateProgress records monotonically non-decreasing frame progress. Writes
// against terminal or regressed rows are silently dropped.
func (r *JobRepo) UpdateProgress(ctx domain.Context, id string, frame, total, percentage int) error {
	q := `UPDATE render_jobs SET current_frame=$2, total_frames=$3, progress=$4
		WHERE id=$1 AND status IN ('processing','encoding') AND current_frame <= $2`
	_, err := r.Pool.Exec(ctx, q, id, frame, total, percentage)
	if err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	return nil
}

// SetQueueHandle maps the broker-local queue handle onto the job row.
func (r *JobRepo) SetQueueHandle(ctx domain.Context, id, handle string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE render_jobs SET queue_handle=$2 WHERE id=$1`, id, handle)
	if err != nil {
		return fmt.Errorf("op=job.set_queue_handle: %w", err)
	}
	return nil
}

// ListStaleProcessing returns processing jobs whose started_at predates cutoff.
func (r *JobRepo) ListStaleProcessing(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM render_jobs
		WHERE status='processing' AND started_at IS NOT NULL AND started_at < $1
		ORDER BY started_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stale: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListStaleQueued returns queued jobs older than cutoff that never received a
// queue handle, i.e. admission crashed between the insert and the enqueue.
func (r *JobRepo) ListStaleQueued(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM render_jobs
		WHERE status='queued' AND queue_handle='' AND queued_at < $1
		ORDER BY queued_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale_queued: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stale_queued: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *JobRepo) guarded(ctx domain.Context, op, q string, args ...any) error {
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=%s: %w", op, domain.ErrConflict)
	}
	return nil
}

type scanner interface{ Scan(dest ...any) error }

func scanJob(row scanner) (domain.Job, error) {
	var (
		j             domain.Job
		assets, props []byte
		format, tier  string
		status, kind  string
	)
	err := row.Scan(&j.ID, &j.OwnerID, &j.ProjectID, &j.CodeURL, &assets,
		&j.Settings.Width, &j.Settings.Height, &j.Settings.FPS, &j.Settings.DurationFrames,
		&format, &props, &tier, &status, &j.RetryCount, &j.MaxRetries,
		&j.CreditsCharged, &j.Progress, &j.CurrentFrame, &j.TotalFrames,
		&j.OutputURL, &j.OutputSizeBytes, &kind, &j.ErrorDetail, &j.QueueHandle,
		&j.QueuedAt, &j.StartedAt, &j.CompletedAt, &j.CancelRequestedAt, &j.Epoch)
	if err != nil {
		return domain.Job{}, err
	}
	j.Settings.Format = domain.Format(format)
	j.Tier = domain.Tier(tier)
	j.Status = domain.JobStatus(status)
	j.ErrorKind = domain.ErrorKind(kind)
	if len(assets) > 0 {
		_ = json.Unmarshal(assets, &j.Assets)
	}
	if len(props) > 0 {
		_ = json.Unmarshal(props, &j.CompositionProps)
	}
	return j, nil
}
