package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	execSQL  []string
	execArgs [][]any
	execTag  pgconn.CommandTag
	execErr  error

	rowSQL  []string
	rowScan func(dest ...any) error

	queryErr error
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return f.execTag, f.execErr
}

func (f *fakePool) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, f.queryErr
}

func (f *fakePool) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.rowSQL = append(f.rowSQL, sql)
	return fakeRow{scan: f.rowScan}
}

// fillJob populates the scan destinations of scanJob in column order.
func fillJob(j domain.Job) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = j.ID
		*dest[1].(*string) = j.OwnerID
		*dest[2].(*string) = j.ProjectID
		*dest[3].(*string) = j.CodeURL
		*dest[4].(*[]byte) = []byte(`[]`)
		*dest[5].(*int) = j.Settings.Width
		*dest[6].(*int) = j.Settings.Height
		*dest[7].(*int) = j.Settings.FPS
		*dest[8].(*int) = j.Settings.DurationFrames
		*dest[9].(*string) = string(j.Settings.Format)
		*dest[10].(*[]byte) = []byte(`{}`)
		*dest[11].(*string) = string(j.Tier)
		*dest[12].(*string) = string(j.Status)
		*dest[13].(*int) = j.RetryCount
		*dest[14].(*int) = j.MaxRetries
		*dest[15].(*int64) = j.CreditsCharged
		*dest[16].(*int) = j.Progress
		*dest[17].(*int) = j.CurrentFrame
		*dest[18].(*int) = j.TotalFrames
		*dest[19].(*string) = j.OutputURL
		*dest[20].(*int64) = j.OutputSizeBytes
		*dest[21].(*string) = string(j.ErrorKind)
		*dest[22].(*string) = j.ErrorDetail
		*dest[23].(*string) = j.QueueHandle
		*dest[24].(*time.Time) = j.QueuedAt
		*dest[25].(**time.Time) = j.StartedAt
		*dest[26].(**time.Time) = j.CompletedAt
		*dest[27].(**time.Time) = j.CancelRequestedAt
		*dest[28].(*int64) = j.Epoch
		return nil
	}
}

func TestCreateAssignsIDAndDefaults(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := NewJobRepo(pool)

	j, err := repo.Create(context.Background(), domain.Job{
		OwnerID:  "owner-1",
		CodeURL:  "https://x/b.tsx",
		Tier:     domain.TierPro,
		Settings: domain.RenderSettings{Width: 1920, Height: 1080, FPS: 30, DurationFrames: 900, Format: domain.FormatMP4},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, domain.JobQueued, j.Status)
	assert.Equal(t, 900, j.TotalFrames)
	assert.False(t, j.QueuedAt.IsZero())
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO render_jobs")
}

func TestGetNotFound(t *testing.T) {
	pool := &fakePool{rowScan: func(...any) error { return pgx.ErrNoRows }}
	repo := NewJobRepo(pool)
	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkProcessingGuardsLeaseEdge(t *testing.T) {
	started := time.Now().UTC()
	job := domain.Job{ID: "job-1", OwnerID: "o1", Status: domain.JobProcessing,
		Tier: domain.TierPro, StartedAt: &started,
		Settings: domain.RenderSettings{Format: domain.FormatMP4}}
	pool := &fakePool{rowScan: fillJob(job)}
	repo := NewJobRepo(pool)

	got, err := repo.MarkProcessing(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)
	require.Len(t, pool.rowSQL, 1)
	assert.Contains(t, pool.rowSQL[0], "status='queued'")
}

func TestMarkProcessingConflictWhenNotQueued(t *testing.T) {
	pool := &fakePool{rowScan: func(...any) error { return pgx.ErrNoRows }}
	repo := NewJobRepo(pool)
	_, err := repo.MarkProcessing(context.Background(), "job-1")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestGuardedUpdatesConflictOnZeroRows(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := NewJobRepo(pool)
	ctx := context.Background()

	assert.ErrorIs(t, repo.MarkEncoding(ctx, "j"), domain.ErrConflict)
	assert.ErrorIs(t, repo.MarkCompleted(ctx, "j", "url", 1), domain.ErrConflict)
	assert.ErrorIs(t, repo.MarkFailed(ctx, "j", domain.ErrKindRender, "x"), domain.ErrConflict)
	assert.ErrorIs(t, repo.MarkCancelled(ctx, "j"), domain.ErrConflict)
	assert.ErrorIs(t, repo.Requeue(ctx, "j", 1), domain.ErrConflict)
}

func TestTerminalTransitionsAreGuarded(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := NewJobRepo(pool)
	ctx := context.Background()

	require.NoError(t, repo.MarkCompleted(ctx, "j", "url", 10))
	require.NoError(t, repo.MarkFailed(ctx, "j", domain.ErrKindTimeout, "stale"))
	require.NoError(t, repo.MarkCancelled(ctx, "j"))
	require.NoError(t, repo.Requeue(ctx, "j", 2))

	for _, sql := range pool.execSQL {
		assert.Contains(t, sql, "status", "every transition must name its legal source statuses")
	}
	// terminal writers must not fire from terminal states
	assert.Contains(t, pool.execSQL[0], "IN ('processing','encoding')")
	assert.Contains(t, pool.execSQL[1], "IN ('processing','encoding')")
	assert.Contains(t, pool.execSQL[2], "IN ('queued','processing','encoding')")
	assert.Contains(t, pool.execSQL[3], "status='processing'")
}

func TestRequestCancelMapsConflictAndNotFound(t *testing.T) {
	// update misses, subsequent Get also misses -> not found
	pool := &fakePool{rowScan: func(...any) error { return pgx.ErrNoRows }}
	repo := NewJobRepo(pool)
	_, err := repo.RequestCancel(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	// update misses but the job exists (terminal) -> conflict
	calls := 0
	job := domain.Job{ID: "job-1", Status: domain.JobCompleted, Tier: domain.TierFree,
		Settings: domain.RenderSettings{Format: domain.FormatMP4}, QueuedAt: time.Now()}
	pool = &fakePool{rowScan: func(dest ...any) error {
		calls++
		if calls == 1 {
			return pgx.ErrNoRows
		}
		return fillJob(job)(dest...)
	}}
	repo = NewJobRepo(pool)
	_, err = repo.RequestCancel(context.Background(), "job-1")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestUpdateProgressIsMonotonicGuarded(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := NewJobRepo(pool)
	// a dropped write is not an error
	require.NoError(t, repo.UpdateProgress(context.Background(), "j", 10, 100, 10))
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "current_frame <= $2")
	assert.Contains(t, pool.execSQL[0], "IN ('processing','encoding')")
}

func TestListStaleProcessingQuery(t *testing.T) {
	pool := &fakePool{queryErr: pgx.ErrNoRows}
	repo := NewJobRepo(pool)
	_, err := repo.ListStaleProcessing(context.Background(), time.Now(), 100)
	require.Error(t, err)
}
