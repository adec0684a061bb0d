package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueTierFor(t *testing.T) {
	assert.Equal(t, TierEnterprise, QueueTierFor("enterprise"))
	assert.Equal(t, TierEnterprise, QueueTierFor("team"))
	assert.Equal(t, TierPro, QueueTierFor("pro"))
	assert.Equal(t, TierFree, QueueTierFor("free"))
	assert.Equal(t, TierFree, QueueTierFor(""))
	assert.Equal(t, TierFree, QueueTierFor("unknown"))
}

func TestTierPolicy(t *testing.T) {
	assert.Equal(t, 1, TierEnterprise.Priority())
	assert.Equal(t, 5, TierPro.Priority())
	assert.Equal(t, 10, TierFree.Priority())

	assert.Equal(t, 10, TierEnterprise.OwnerConcurrency())
	assert.Equal(t, 3, TierPro.OwnerConcurrency())
	assert.Equal(t, 1, TierFree.OwnerConcurrency())

	assert.Equal(t, "render:free", TierFree.QueueName())
	assert.Equal(t, "render:pro", TierPro.QueueName())
	assert.Equal(t, "render:enterprise", TierEnterprise.QueueName())
}

func TestFormatMappings(t *testing.T) {
	assert.Equal(t, "video/mp4", FormatMP4.ContentType())
	assert.Equal(t, "video/webm", FormatWebM.ContentType())
	assert.Equal(t, "image/gif", FormatGIF.ContentType())

	assert.Equal(t, "h264", FormatMP4.Codec())
	assert.Equal(t, "vp9", FormatWebM.Codec())
	assert.Equal(t, "gif", FormatGIF.Codec())

	assert.True(t, FormatMP4.Valid())
	assert.False(t, Format("avi").Valid())
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobQueued, JobProcessing, true},
		{JobQueued, JobCancelled, true},
		{JobQueued, JobCompleted, false},
		{JobProcessing, JobEncoding, true},
		{JobProcessing, JobCompleted, true},
		{JobProcessing, JobFailed, true},
		{JobProcessing, JobCancelled, true},
		{JobProcessing, JobQueued, true}, // retry re-enqueue
		{JobEncoding, JobCompleted, true},
		{JobEncoding, JobFailed, true},
		{JobEncoding, JobProcessing, false},
		{JobCompleted, JobFailed, false},
		{JobFailed, JobQueued, false},
		{JobCancelled, JobProcessing, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCancelled.Terminal())
	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobProcessing.Terminal())
	assert.False(t, JobEncoding.Terminal())
}

func TestOutputKey(t *testing.T) {
	j := Job{ID: "job-1", OwnerID: "owner-1", Settings: RenderSettings{Format: FormatMP4}}
	assert.Equal(t, "renders/owner-1/job-1/output.mp4", j.OutputKey())
}

func TestDefaultPricing(t *testing.T) {
	assert.Equal(t, int64(1), DefaultPricing(RenderSettings{Height: 1080, DurationFrames: 900}))
	assert.Equal(t, int64(2), DefaultPricing(RenderSettings{Height: 1080, DurationFrames: 901}))
	assert.Equal(t, int64(2), DefaultPricing(RenderSettings{Height: 2160, DurationFrames: 900}))
	assert.Equal(t, int64(1), DefaultPricing(RenderSettings{Height: 720, DurationFrames: 0}))
}
