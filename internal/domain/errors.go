package domain

import "errors"

// Admission error taxonomy (sentinels). Handlers map these to HTTP codes.
var (
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrQuotaResolution     = errors.New("resolution exceeds tier limit")
	ErrQuotaDaily          = errors.New("daily render quota exceeded")
	ErrInternal            = errors.New("internal error")
)

// ErrorKind classifies worker pipeline failures.
type ErrorKind string

const (
	ErrKindCode    ErrorKind = "CODE_ERROR"
	ErrKindBundle  ErrorKind = "BUNDLE_ERROR"
	ErrKindRender  ErrorKind = "RENDER_ERROR"
	ErrKindUpload  ErrorKind = "UPLOAD_ERROR"
	ErrKindTimeout ErrorKind = "TIMEOUT_ERROR"
)

// Retryable reports whether jobs failing with this kind may be re-enqueued.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindRender || k == ErrKindUpload
}

// MaxRetries returns the retry budget for the kind.
func (k ErrorKind) MaxRetries() int {
	switch k {
	case ErrKindRender:
		return 2
	case ErrKindUpload:
		return 3
	default:
		return 0
	}
}

// Stage is the pipeline stage label reported alongside progress.
type Stage string

const (
	StageFetching  Stage = "fetching"
	StagePreparing Stage = "preparing"
	StageBundling  Stage = "bundling"
	StageRendering Stage = "rendering"
	StageUploading Stage = "uploading"
)

// PipelineError wraps a stage failure with its classified kind.
type PipelineError struct {
	Kind   ErrorKind
	Stage  Stage
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	msg := string(e.Kind) + " at " + string(e.Stage)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError classifies err as kind thrown by stage.
func NewPipelineError(kind ErrorKind, stage Stage, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Err: err}
}

// ClassifyPipelineError extracts kind and detail from any pipeline error.
// Unknown errors are classified by the stage that threw them.
func ClassifyPipelineError(err error, stage Stage) (ErrorKind, string) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		detail := pe.Detail
		if detail == "" && pe.Err != nil {
			detail = pe.Err.Error()
		}
		return pe.Kind, detail
	}
	switch stage {
	case StageFetching, StagePreparing:
		return ErrKindCode, err.Error()
	case StageBundling:
		return ErrKindBundle, err.Error()
	case StageUploading:
		return ErrKindUpload, err.Error()
	default:
		return ErrKindRender, err.Error()
	}
}
