package diagnostics

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/manifest"
)

// seedRun writes a minimal on-disk run with one chunk and one step.
func seedRun(t *testing.T, runsDir, name string) (string, *manifest.Manifest) {
	t.Helper()
	runDir := filepath.Join(runsDir, name)
	require.NoError(t, os.MkdirAll(runDir, 0o755))

	m := &manifest.Manifest{
		Created:  "2025-06-01T00:00:00Z",
		Status:   manifest.StatusRunning,
		Pipeline: []string{"generate"},
		Chunks: map[string]*manifest.Chunk{
			"chunk_000": {State: manifest.PendingState("generate"), Items: 2},
		},
		Metadata: manifest.Metadata{Mode: "batch", Provider: "gemini", PipelineName: "Demo"},
	}
	store := manifest.NewStore(nil)
	require.NoError(t, store.Save(runDir, m))

	chunk := journal.NewChunk(runDir, "chunk_000")
	require.NoError(t, chunk.WriteUnits([]jsonl.Record{
		{"unit_id": "unit_000000"},
		{"unit_id": "unit_000001"},
	}))
	return runDir, m
}

func TestScanRunsFromSummary(t *testing.T) {
	runsDir := t.TempDir()
	seedRun(t, runsDir, "run_a")
	seedRun(t, runsDir, "run_b")

	store := manifest.NewStore(nil)
	runs, err := ScanRuns(runsDir, store)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// The save wrote summaries, so the cheap path served both rows.
	for _, run := range runs {
		assert.True(t, run.FromSummary)
		assert.Equal(t, "Demo", run.Pipeline)
		assert.Equal(t, 2, run.TotalUnits)
	}
}

func TestScanRunsManifestFallback(t *testing.T) {
	runsDir := t.TempDir()
	runDir, _ := seedRun(t, runsDir, "run_a")
	require.NoError(t, os.Remove(manifest.SummaryPath(runDir)))

	store := manifest.NewStore(nil)
	runs, err := ScanRuns(runsDir, store)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].FromSummary)
	assert.Equal(t, 2, runs[0].TotalUnits)
}

func TestScanRunsSkipsNonRuns(t *testing.T) {
	runsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runsDir, "not_a_run"), 0o755))
	seedRun(t, runsDir, "run_a")

	runs, err := ScanRuns(runsDir, manifest.NewStore(nil))
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestScanStepHealth(t *testing.T) {
	runsDir := t.TempDir()
	runDir, m := seedRun(t, runsDir, "run_a")

	chunk := journal.NewChunk(runDir, "chunk_000")
	require.NoError(t, chunk.AppendValidated("generate", jsonl.Record{"unit_id": "unit_000000"}))
	require.NoError(t, chunk.AppendFailure("generate", jsonl.Record{
		"unit_id": "unit_000001", "failure_stage": "validation", "retry_count": 0,
	}))

	health, err := ScanStepHealth(runDir, m)
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Equal(t, 2, health[0].Items)
	assert.Equal(t, 1, health[0].Validated)
	assert.Equal(t, 1, health[0].Failures)
	assert.Equal(t, 0, health[0].Missing)
}

func TestVerifyDiskVsManifest(t *testing.T) {
	runsDir := t.TempDir()
	runDir, m := seedRun(t, runsDir, "run_a")

	problems, err := VerifyDiskVsManifest(runDir, m)
	require.NoError(t, err)
	assert.Empty(t, problems)

	// Claim more items than the journal holds.
	m.Chunks["chunk_000"].Items = 5
	problems, err = VerifyDiskVsManifest(runDir, m)
	require.NoError(t, err)
	assert.NotEmpty(t, problems)
}

func TestAnalyzeFailuresGroups(t *testing.T) {
	runsDir := t.TempDir()
	runDir, m := seedRun(t, runsDir, "run_a")

	chunk := journal.NewChunk(runDir, "chunk_000")
	for i := 0; i < 3; i++ {
		require.NoError(t, chunk.AppendFailure("generate", jsonl.Record{
			"unit_id":       "unit_000000",
			"failure_stage": "validation",
			"retry_count":   i,
			"errors":        []any{map[string]any{"message": "text must not be empty"}},
		}))
	}
	require.NoError(t, chunk.AppendFailure("generate", jsonl.Record{
		"unit_id":       "unit_000001",
		"failure_stage": "parse",
		"retry_count":   0,
		"errors":        []any{map[string]any{"message": "response could not be parsed as JSON"}},
	}))

	groups, err := AnalyzeFailures(runDir, m, "generate", 2)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	// Largest group first, sample capped.
	assert.Equal(t, "text must not be empty", groups[0].Message)
	assert.Equal(t, 3, groups[0].Count)
	assert.Len(t, groups[0].Sample, 2)
}

func TestCheckProcessNoPIDFile(t *testing.T) {
	status := CheckProcess(t.TempDir())
	assert.Zero(t, status.PID)
	assert.False(t, status.Alive)
	assert.False(t, status.Detached)
}

func TestCheckProcessDeadPID(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "orchestrator.pid"), []byte("999999"), 0o644))
	status := CheckProcess(runDir)
	assert.Equal(t, 999999, status.PID)
	assert.True(t, status.Detached)
}

func TestCheckProcessSelf(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "orchestrator.pid"),
		[]byte(strconv.Itoa(os.Getpid())), 0o644))
	status := CheckProcess(runDir)
	assert.True(t, status.Alive)
}
