package domain

import "time"

// EventType enumerates realtime events delivered to subscribers.
type EventType string

const (
	EventStarted        EventType = "started"
	EventProgress       EventType = "progress"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
	EventCancelled      EventType = "cancelled"
	EventCreditsUpdated EventType = "credits_updated"
)

// Event is the wire record fanned out to subscribed clients. JobID is empty
// for credits_updated, which is keyed by owner instead.
type Event struct {
	Type         EventType  `json:"type"`
	JobID        string     `json:"job_id,omitempty"`
	OwnerID      string     `json:"owner_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CurrentFrame int        `json:"current_frame,omitempty"`
	TotalFrames  int        `json:"total_frames,omitempty"`
	Percentage   int        `json:"percentage,omitempty"`
	Stage        Stage      `json:"stage,omitempty"`
	OutputURL    string     `json:"output_url,omitempty"`
	FileSize     int64      `json:"file_size,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
	Balance      int64      `json:"balance,omitempty"`
}
