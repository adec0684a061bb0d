package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/renderflow/internal/adapter/events"
	"github.com/fairyhunter13/renderflow/internal/config"
	"github.com/fairyhunter13/renderflow/internal/domain"
	"github.com/fairyhunter13/renderflow/internal/usecase"
)

// Owner identity headers. JWT verification happens upstream; the gateway
// forwards the resolved principal in these headers.
const (
	headerOwnerID   = "X-Owner-Id"
	headerOwnerTier = "X-Owner-Tier"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Submit *usecase.SubmitService
	Cancel *usecase.CancelService
	Status *usecase.StatusService
	Hub    *events.Hub
	// Store issues presigned asset upload URLs.
	Store domain.Storage

	DBCheck      func(ctx context.Context) error
	RedisCheck   func(ctx context.Context) error
	StorageCheck func(ctx context.Context) error

	validate *validator.Validate
}

// NewServer constructs the handler set.
func NewServer(cfg config.Config, submit *usecase.SubmitService, cancel *usecase.CancelService, status *usecase.StatusService, hub *events.Hub) *Server {
	return &Server{
		Cfg:      cfg,
		Submit:   submit,
		Cancel:   cancel,
		Status:   status,
		Hub:      hub,
		validate: validator.New(),
	}
}

type assetRefDTO struct {
	Name string `json:"name" validate:"required"`
	URL  string `json:"url" validate:"required,url"`
}

type settingsDTO struct {
	Width          int    `json:"width" validate:"required,min=1,max=3840"`
	Height         int    `json:"height" validate:"required,min=1,max=2160"`
	FPS            int    `json:"fps" validate:"required,min=1,max=120"`
	DurationFrames int    `json:"duration_frames" validate:"required,min=1,max=108000"`
	Format         string `json:"format" validate:"required,oneof=mp4 webm gif"`
}

type submitDTO struct {
	ProjectID        string         `json:"project_id" validate:"required"`
	CodeURL          string         `json:"code_url" validate:"required,url"`
	Assets           []assetRefDTO  `json:"assets" validate:"dive"`
	Settings         settingsDTO    `json:"settings" validate:"required"`
	CompositionProps map[string]any `json:"composition_props"`
}

type jobDTO struct {
	ID              string           `json:"id"`
	ProjectID       string           `json:"project_id,omitempty"`
	Status          domain.JobStatus `json:"status"`
	Tier            domain.Tier      `json:"tier"`
	Progress        int              `json:"progress"`
	CurrentFrame    int              `json:"current_frame"`
	TotalFrames     int              `json:"total_frames"`
	CreditsCharged  int64            `json:"credits_charged"`
	RetryCount      int              `json:"retry_count"`
	OutputURL       string           `json:"output_url,omitempty"`
	OutputSizeBytes int64            `json:"output_size_bytes,omitempty"`
	ErrorKind       domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorDetail     string           `json:"error_detail,omitempty"`
	QueuedAt        time.Time        `json:"queued_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

func toJobDTO(j domain.Job) jobDTO {
	return jobDTO{
		ID:              j.ID,
		ProjectID:       j.ProjectID,
		Status:          j.Status,
		Tier:            j.Tier,
		Progress:        j.Progress,
		CurrentFrame:    j.CurrentFrame,
		TotalFrames:     j.TotalFrames,
		CreditsCharged:  j.CreditsCharged,
		RetryCount:      j.RetryCount,
		OutputURL:       j.OutputURL,
		OutputSizeBytes: j.OutputSizeBytes,
		ErrorKind:       j.ErrorKind,
		ErrorDetail:     j.ErrorDetail,
		QueuedAt:        j.QueuedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

// ownerFromRequest resolves the principal from the gateway headers.
func ownerFromRequest(r *http.Request) (usecase.Owner, error) {
	id := r.Header.Get(headerOwnerID)
	if id == "" {
		return usecase.Owner{}, fmt.Errorf("missing %s header: %w", headerOwnerID, domain.ErrUnauthorized)
	}
	plan := r.Header.Get(headerOwnerTier)
	if plan == "" {
		plan = "free"
	}
	return usecase.Owner{ID: id, Plan: plan}, nil
}

// SubmitHandler serves POST /v1/renders.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := ownerFromRequest(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var dto submitDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeError(w, r, fmt.Errorf("invalid JSON body: %w", domain.ErrValidation), nil)
			return
		}
		if err := s.validate.Struct(dto); err != nil {
			writeError(w, r, fmt.Errorf("%s: %w", err.Error(), domain.ErrValidation), nil)
			return
		}

		req := usecase.SubmitRequest{
			ProjectID: dto.ProjectID,
			CodeURL:   dto.CodeURL,
			Settings: domain.RenderSettings{
				Width:          dto.Settings.Width,
				Height:         dto.Settings.Height,
				FPS:            dto.Settings.FPS,
				DurationFrames: dto.Settings.DurationFrames,
				Format:         domain.Format(dto.Settings.Format),
			},
			CompositionProps: dto.CompositionProps,
		}
		for _, a := range dto.Assets {
			req.Assets = append(req.Assets, domain.AssetRef{Name: a.Name, URL: a.URL})
		}

		job, err := s.Submit.Submit(r.Context(), owner, req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toJobDTO(job))
	}
}

// CancelHandler serves DELETE /v1/renders/{id}.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := ownerFromRequest(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobID := chi.URLParam(r, "id")
		job, err := s.Cancel.Cancel(r.Context(), owner.ID, jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobDTO(job))
	}
}

// GetHandler serves GET /v1/renders/{id}.
func (s *Server) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := ownerFromRequest(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Status.Get(r.Context(), owner.ID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobDTO(job))
	}
}

// CountsHandler serves GET /v1/queues/{tier}/counts.
func (s *Server) CountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := ownerFromRequest(r); err != nil {
			writeError(w, r, err, nil)
			return
		}
		counts, err := s.Status.Counts(r.Context(), domain.Tier(chi.URLParam(r, "tier")))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

type presignDTO struct {
	Name        string `json:"name" validate:"required,max=256"`
	ContentType string `json:"content_type" validate:"required"`
}

// PresignHandler serves POST /v1/assets/presign: a presigned PUT URL for an
// asset the owner wants to reference from a composition.
func (s *Server) PresignHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := ownerFromRequest(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if s.Store == nil {
			writeError(w, r, fmt.Errorf("storage not configured: %w", domain.ErrInternal), nil)
			return
		}
		var dto presignDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeError(w, r, fmt.Errorf("invalid JSON body: %w", domain.ErrValidation), nil)
			return
		}
		if err := s.validate.Struct(dto); err != nil {
			writeError(w, r, fmt.Errorf("%s: %w", err.Error(), domain.ErrValidation), nil)
			return
		}
		key := "assets/" + owner.ID + "/" + dto.Name
		url, err := s.Store.PresignedPut(r.Context(), key, dto.ContentType, 15*time.Minute)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"upload_url": url,
			"public_url": s.Store.PublicURL(key),
		})
	}
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler checks the server's dependencies with a short deadline and
// reports a per-dependency breakdown.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type depStatus struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	run := func(ctx context.Context, check func(context.Context) error) depStatus {
		if check == nil {
			return depStatus{OK: true}
		}
		if err := check(ctx); err != nil {
			return depStatus{OK: false, Error: err.Error()}
		}
		return depStatus{OK: true}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		deps := map[string]depStatus{
			"postgres":     run(ctx, s.DBCheck),
			"redis":        run(ctx, s.RedisCheck),
			"object_store": run(ctx, s.StorageCheck),
		}
		status := http.StatusOK
		for _, d := range deps {
			if !d.OK {
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, map[string]any{
			"status": http.StatusText(status),
			"deps":   deps,
		})
	}
}
