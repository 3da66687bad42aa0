package diagnostics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chunkflow/chunkflow/pkg/manifest"
)

func TestProbeBatchTiming(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := &manifest.Manifest{Chunks: map[string]*manifest.Chunk{
		"chunk_000": {State: "generate_SUBMITTED", BatchID: "b1", SubmittedAt: "2025-06-01T11:00:00Z"},
		"chunk_001": {State: "generate_SUBMITTED", BatchID: "b2", SubmittedAt: "2025-06-01T11:30:00Z"},
		"chunk_002": {State: "generate_PENDING"},
	}}

	timing := ProbeBatchTiming(m, now)
	assert.Equal(t, 2, timing.InFlight)
	assert.Equal(t, "2025-06-01T11:00:00Z", timing.OldestSubmittedAt)
	assert.Equal(t, 3600, timing.OldestAgeSeconds)
	assert.False(t, timing.Stale)
}

func TestProbeBatchTimingStale(t *testing.T) {
	now := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	m := &manifest.Manifest{Chunks: map[string]*manifest.Chunk{
		"chunk_000": {State: "generate_SUBMITTED", BatchID: "b1", SubmittedAt: "2025-06-01T11:00:00Z"},
	}}
	assert.True(t, ProbeBatchTiming(m, now).Stale)
}

func TestProbeBatchTimingEmpty(t *testing.T) {
	timing := ProbeBatchTiming(&manifest.Manifest{}, time.Now())
	assert.Zero(t, timing.InFlight)
	assert.Empty(t, timing.OldestSubmittedAt)
}
