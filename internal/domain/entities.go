// Package domain holds the core entities and ports of the render broker.
package domain

import (
	"context"
	"time"
)

// Tier is the queue routing key derived from the owner's subscription plan.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// QueueTierFor maps a subscription plan to its queue tier.
// enterprise and team plans share the enterprise queue.
func QueueTierFor(plan string) Tier {
	switch plan {
	case "enterprise", "team":
		return TierEnterprise
	case "pro":
		return TierPro
	default:
		return TierFree
	}
}

// Priority returns the queue priority for the tier; lower is leased sooner.
func (t Tier) Priority() int {
	switch t {
	case TierEnterprise:
		return 1
	case TierPro:
		return 5
	default:
		return 10
	}
}

// OwnerConcurrency returns the per-owner concurrent lease cap for the tier.
func (t Tier) OwnerConcurrency() int {
	switch t {
	case TierEnterprise:
		return 10
	case TierPro:
		return 3
	default:
		return 1
	}
}

// QueueName returns the queue name for the tier.
func (t Tier) QueueName() string { return "render:" + string(t) }

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPro || t == TierEnterprise
}

// Format is the output container format.
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatWebM Format = "webm"
	FormatGIF  Format = "gif"
)

// Ext returns the output file extension for the format.
func (f Format) Ext() string { return string(f) }

// ContentType returns the MIME type used when uploading the output.
func (f Format) ContentType() string {
	switch f {
	case FormatWebM:
		return "video/webm"
	case FormatGIF:
		return "image/gif"
	default:
		return "video/mp4"
	}
}

// Codec returns the renderer codec for the format.
func (f Format) Codec() string {
	switch f {
	case FormatWebM:
		return "vp9"
	case FormatGIF:
		return "gif"
	default:
		return "h264"
	}
}

// Valid reports whether f is a supported output format.
func (f Format) Valid() bool {
	return f == FormatMP4 || f == FormatWebM || f == FormatGIF
}

// RenderSettings are the validated render parameters of a job.
type RenderSettings struct {
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	FPS            int    `json:"fps"`
	DurationFrames int    `json:"duration_frames"`
	Format         Format `json:"format"`
}

// AssetRef points at a user asset referenced by the composition.
type AssetRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// JobStatus enumerates the job lifecycle states.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobEncoding   JobStatus = "encoding"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// transitions is the job state machine. Terminal states have no outgoing edges.
// processing -> queued is the retry re-enqueue edge.
var transitions = map[JobStatus][]JobStatus{
	JobQueued:     {JobProcessing, JobCancelled},
	JobProcessing: {JobEncoding, JobCompleted, JobFailed, JobCancelled, JobQueued},
	JobEncoding:   {JobCompleted, JobFailed, JobCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to JobStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Job is the unit of work flowing through the broker.
type Job struct {
	ID                string
	OwnerID           string
	ProjectID         string
	CodeURL           string
	Assets            []AssetRef
	Settings          RenderSettings
	CompositionProps  map[string]any
	Tier              Tier
	Status            JobStatus
	RetryCount        int
	MaxRetries        int
	CreditsCharged    int64
	Progress          int
	CurrentFrame      int
	TotalFrames       int
	OutputURL         string
	OutputSizeBytes   int64
	ErrorKind         ErrorKind
	ErrorDetail       string
	QueueHandle       string
	QueuedAt          time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	CancelRequestedAt *time.Time
	Epoch             int64
}

// OutputKey returns the object-store key for the job's rendered output.
func (j Job) OutputKey() string {
	return "renders/" + j.OwnerID + "/" + j.ID + "/output." + j.Settings.Format.Ext()
}

// CancelRequested reports whether a cooperative cancel has been flagged.
func (j Job) CancelRequested() bool { return j.CancelRequestedAt != nil }

// PricingFunc resolves the credit cost of a render from its settings.
// Pricing policy lives outside the broker core.
type PricingFunc func(RenderSettings) int64

// DefaultPricing charges one credit per started 900 frames, doubled above 1080p.
func DefaultPricing(s RenderSettings) int64 {
	frames := s.DurationFrames
	if frames < 1 {
		frames = 1
	}
	cost := int64((frames + 899) / 900)
	if s.Height > 1080 {
		cost *= 2
	}
	return cost
}

// QueueCounts is a per-tier queue state snapshot for observability.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Lease is the exclusive right of one worker to process one job.
type Lease struct {
	JobID   string
	OwnerID string
	Attempt int
}

// JobStore is the authoritative job lifecycle record (port).
type JobStore interface {
	Create(ctx context.Context, j Job) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	// MarkProcessing is the lease edge queued -> processing; it stamps started_at.
	MarkProcessing(ctx context.Context, id string) (Job, error)
	MarkEncoding(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, outputURL string, sizeBytes int64) error
	MarkFailed(ctx context.Context, id string, kind ErrorKind, detail string) error
	MarkCancelled(ctx context.Context, id string) error
	// Requeue is the retry edge processing -> queued.
	Requeue(ctx context.Context, id string, retryCount int) error
	RequestCancel(ctx context.Context, id string) (Job, error)
	UpdateProgress(ctx context.Context, id string, frame, total, percentage int) error
	SetQueueHandle(ctx context.Context, id, handle string) error
	ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]Job, error)
	// ListStaleQueued finds queued jobs that never made it onto a queue.
	ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]Job, error)
}

// TierQueue is the priority queue bus (port).
type TierQueue interface {
	Enqueue(ctx context.Context, tier Tier, jobID, ownerID string, priority int, delay time.Duration) (string, error)
	Lease(ctx context.Context, tier Tier, workerID string) (*Lease, error)
	Complete(ctx context.Context, tier Tier, jobID string) error
	Fail(ctx context.Context, tier Tier, jobID string) error
	// Remove reports true when the job was still waiting or delayed.
	Remove(ctx context.Context, tier Tier, jobID string) (bool, error)
	Counts(ctx context.Context, tier Tier) (QueueCounts, error)
}

// CreditLedger is the shared credit balance (port). Deduct and Refund are
// atomic compare-and-set operations; Refund and ReleaseDaily are idempotent
// by ref. ReleaseDaily hands back a daily quota slot when a job leaves the
// counted set (cancelled or terminally failed); day is the job's submission
// day.
type CreditLedger interface {
	Deduct(ctx context.Context, ownerID string, amount int64, ref string) (int64, error)
	Refund(ctx context.Context, ownerID string, amount int64, ref string) (int64, error)
	Balance(ctx context.Context, ownerID string) (int64, error)
	DailyCount(ctx context.Context, ownerID string) (int, error)
	IncrDailyCount(ctx context.Context, ownerID string) (int, error)
	ReleaseDaily(ctx context.Context, ownerID string, day time.Time, ref string) error
}

// EventBus fans job lifecycle events out to subscribers (port).
type EventBus interface {
	Publish(ctx context.Context, e Event) error
}

// Storage is the object store (port).
type Storage interface {
	Upload(ctx context.Context, localPath, key, contentType string) (url string, size int64, err error)
	Delete(ctx context.Context, key string) error
	PresignedPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	PublicURL(key string) string
}

// CodeFetcher retrieves the user-supplied composition bundle (port).
type CodeFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Bundler turns an entry point into a serveable bundle URL (port).
type Bundler interface {
	Bundle(ctx context.Context, entryPoint string) (string, error)
}

// RenderInput describes one render invocation.
type RenderInput struct {
	BundleURL   string
	Composition string
	OutputPath  string
	Settings    RenderSettings
	Props       map[string]any
}

// Renderer executes the render, invoking onFrame as frames complete (port).
type Renderer interface {
	Render(ctx context.Context, in RenderInput, onFrame func(frame, total int)) error
}

// Context aliases context.Context so adapters can keep their signatures
// aligned with the domain ports.
type Context = context.Context
