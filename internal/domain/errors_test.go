package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindPolicy(t *testing.T) {
	assert.False(t, ErrKindCode.Retryable())
	assert.False(t, ErrKindBundle.Retryable())
	assert.True(t, ErrKindRender.Retryable())
	assert.True(t, ErrKindUpload.Retryable())
	assert.False(t, ErrKindTimeout.Retryable())

	assert.Equal(t, 0, ErrKindCode.MaxRetries())
	assert.Equal(t, 0, ErrKindBundle.MaxRetries())
	assert.Equal(t, 2, ErrKindRender.MaxRetries())
	assert.Equal(t, 3, ErrKindUpload.MaxRetries())
	assert.Equal(t, 0, ErrKindTimeout.MaxRetries())
}

func TestPipelineErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	pe := NewPipelineError(ErrKindRender, StageRendering, cause)
	assert.ErrorIs(t, pe, cause)
	assert.Contains(t, pe.Error(), "RENDER_ERROR")
	assert.Contains(t, pe.Error(), "rendering")

	wrapped := fmt.Errorf("op=pipeline.render: %w", pe)
	kind, detail := ClassifyPipelineError(wrapped, StageRendering)
	assert.Equal(t, ErrKindRender, kind)
	assert.Equal(t, "connection refused", detail)
}

func TestClassifyUnknownErrorByStage(t *testing.T) {
	err := errors.New("boom")
	cases := []struct {
		stage Stage
		kind  ErrorKind
	}{
		{StageFetching, ErrKindCode},
		{StagePreparing, ErrKindCode},
		{StageBundling, ErrKindBundle},
		{StageRendering, ErrKindRender},
		{StageUploading, ErrKindUpload},
	}
	for _, c := range cases {
		kind, detail := ClassifyPipelineError(err, c.stage)
		require.Equal(t, c.kind, kind, "stage %s", c.stage)
		assert.Equal(t, "boom", detail)
	}
}
