package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/provider"
	"github.com/chunkflow/chunkflow/pkg/provider/mock"
)

// writeFixture lays out a config directory for a two-step LLM pipeline
// over two units.
func writeFixture(t *testing.T, configYAML string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "templates"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "schemas"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "generate.jinja2"),
		[]byte("Write about {{ topic }}."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "score.jinja2"),
		[]byte("Score this text: {{ text }}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas", "generate.json"),
		[]byte(`{"required": ["text"], "fields": {"text": {"type": "string"}}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas", "score.json"),
		[]byte(`{"required": ["score"], "fields": {"score": {"type": "integer", "min": 1, "max": 10}}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "items.yaml"),
		[]byte("- topic: A\n- topic: B\n"), 0o644))
	return filepath.Join(dir, "config.yaml")
}

const twoStepBatchConfig = `pipeline:
  name: TwoStep
  steps:
    - name: generate
      prompt_template: generate.jinja2
      schema: generate.json
    - name: score
      prompt_template: score.jinja2
      schema: score.json
processing:
  strategy: direct
  chunk_size: 2
  items:
    source: items.yaml
api:
  provider: gemini
  mode: batch
  max_retries: 3
`

func newMockProvider() *mock.Client {
	client := mock.New()
	client.DefaultContent = `{"text": "hello", "score": 5}`
	return client
}

// driveToCompletion ticks until the run is terminal.
func driveToCompletion(t *testing.T, o *Orchestrator) {
	t.Helper()
	for i := 0; i < 20; i++ {
		done, err := o.Tick(context.Background())
		require.NoError(t, err)
		if done {
			return
		}
	}
	t.Fatal("run did not reach a terminal state within 20 ticks")
}

func TestTwoStepBatchRunCompletes(t *testing.T) {
	configPath := writeFixture(t, twoStepBatchConfig)
	runDir := filepath.Join(t.TempDir(), "run_001")

	o, err := Init(configPath, runDir, InitOptions{})
	require.NoError(t, err)
	o.SetProvider(newMockProvider())

	m, err := o.Store.Load(runDir)
	require.NoError(t, err)
	require.Len(t, m.Chunks, 1)
	assert.Equal(t, "generate_PENDING", m.Chunks["chunk_000"].State)
	assert.Equal(t, []string{"generate", "score"}, m.Pipeline)

	driveToCompletion(t, o)

	summary, err := o.Status()
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusComplete, summary.Status)
	assert.Equal(t, 100, summary.Progress)
	assert.Equal(t, 2, summary.ValidUnits)
	assert.Equal(t, 0, summary.FailedUnits)

	m, err = o.Store.Load(runDir)
	require.NoError(t, err)
	assert.Equal(t, manifest.ChunkValidated, m.Chunks["chunk_000"].State)
	assert.Equal(t, 2, m.Chunks["chunk_000"].Valid)

	// Both steps left their journals behind.
	chunk := journal.NewChunk(runDir, "chunk_000")
	for _, step := range []string{"generate", "score"} {
		validated, err := jsonl.Load(chunk.ValidatedPath(step))
		require.NoError(t, err)
		assert.Len(t, validated, 2, step)
	}

	// Token accounting landed in the initial counters.
	assert.Greater(t, m.Metadata.InitialInputTokens, 0)
	assert.Zero(t, m.Metadata.RetryInputTokens)
}

func TestAuthFailureMarksRunFailed(t *testing.T) {
	configPath := writeFixture(t, twoStepBatchConfig)
	runDir := filepath.Join(t.TempDir(), "run_001")

	o, err := Init(configPath, runDir, InitOptions{})
	require.NoError(t, err)

	client := newMockProvider()
	client.CreateBatchErr = provider.NewAuthError("gemini", "create_batch", fmt.Errorf("401 invalid key"))
	o.SetProvider(client)

	_, err = o.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, provider.IsAuth(err))

	m, err := o.Store.Load(runDir)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusFailed, m.Status)
	assert.Contains(t, m.ErrorMessage, "authentication")
	// Never submitted: the chunk stays at PENDING with no results file.
	assert.Equal(t, "generate_PENDING", m.Chunks["chunk_000"].State)
	chunk := journal.NewChunk(runDir, "chunk_000")
	assert.False(t, jsonl.Exists(chunk.ResultsPath("generate")))
}

func TestMaxUnitsZeroCompletesImmediately(t *testing.T) {
	configPath := writeFixture(t, twoStepBatchConfig)
	runDir := filepath.Join(t.TempDir(), "run_001")

	zero := 0
	o, err := Init(configPath, runDir, InitOptions{MaxUnits: &zero})
	require.NoError(t, err)

	summary, err := o.Status()
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusComplete, summary.Status)
	assert.Equal(t, 100, summary.Progress)
	assert.Equal(t, 0, summary.TotalUnits)
}

func TestResumeDoesNotDuplicateBatches(t *testing.T) {
	configPath := writeFixture(t, twoStepBatchConfig)
	runDir := filepath.Join(t.TempDir(), "run_001")

	o, err := Init(configPath, runDir, InitOptions{})
	require.NoError(t, err)
	client := newMockProvider()
	client.PollsUntilComplete = 1
	o.SetProvider(client)

	// First tick submits the generate batch.
	done, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, done)

	m, err := o.Store.Load(runDir)
	require.NoError(t, err)
	firstBatch := m.Chunks["chunk_000"].BatchID
	require.NotEmpty(t, firstBatch)

	// "Restart": a fresh orchestrator over the same directory and the
	// same provider state, as after a kill.
	resumed, err := Open(runDir)
	require.NoError(t, err)
	resumed.SetProvider(client)
	driveToCompletion(t, resumed)

	// One upload per step — the existing batch was polled, not recreated.
	assert.Equal(t, 2, client.UploadCount)

	summary, err := resumed.Status()
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusComplete, summary.Status)
}

func TestRetryFailuresResetsExhaustedUnits(t *testing.T) {
	configPath := writeFixture(t, twoStepBatchConfig)
	runDir := filepath.Join(t.TempDir(), "run_001")

	o, err := Init(configPath, runDir, InitOptions{})
	require.NoError(t, err)

	client := newMockProvider()
	// One unit always returns unparseable output and exhausts retries.
	client.ByUnit["unit_000001"] = mock.Response{Content: "not json", InputTokens: 5, OutputTokens: 1}
	o.SetProvider(client)
	driveToCompletion(t, o)

	m, err := o.Store.Load(runDir)
	require.NoError(t, err)
	mchunk := m.Chunks["chunk_000"]
	assert.Equal(t, manifest.ChunkValidated, mchunk.State)
	assert.Equal(t, 1, mchunk.Valid)
	assert.Equal(t, 1, mchunk.Failed)

	reset, err := o.RetryFailures()
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	m, err = o.Store.Load(runDir)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusRunning, m.Status)
	assert.Equal(t, 0, m.Chunks["chunk_000"].Failed)
	assert.Contains(t, m.Chunks["chunk_000"].State, "_PENDING")

	// The sentinel marks the reset so the resume short-circuit stays off.
	chunk := journal.NewChunk(runDir, "chunk_000")
	stepName, _, ok := manifest.SplitState(m.Chunks["chunk_000"].State)
	require.True(t, ok)
	assert.True(t, chunk.HasSentinel(stepName))

	// Let the model behave now; the retried run completes cleanly.
	client.ByUnit["unit_000001"] = mock.Response{Content: `{"text": "fixed", "score": 7}`, InputTokens: 5, OutputTokens: 2}
	driveToCompletion(t, o)
	summary, err := o.Status()
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusComplete, summary.Status)
	assert.Equal(t, 2, summary.ValidUnits)
}

func TestStatusAutoCorrection(t *testing.T) {
	configPath := writeFixture(t, twoStepBatchConfig)
	runDir := filepath.Join(t.TempDir(), "run_001")

	o, err := Init(configPath, runDir, InitOptions{})
	require.NoError(t, err)
	o.SetProvider(newMockProvider())
	driveToCompletion(t, o)

	// Drift the status back while leaving the chunks terminal.
	m, err := o.Store.Load(runDir)
	require.NoError(t, err)
	m.Status = manifest.StatusRunning
	m.CompletedAt = ""
	require.NoError(t, o.Store.Save(runDir, m))

	summary, err := o.Status()
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusComplete, summary.Status)

	// The correction landed on disk.
	m, err = o.Store.Load(runDir)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusComplete, m.Status)
	assert.NotEmpty(t, m.CompletedAt)
}

func TestPIDFileLifecycle(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, WritePIDFile(runDir))
	assert.Equal(t, os.Getpid(), ReadPIDFile(runDir))

	// Own PID never blocks.
	_, active := CheckWriter(runDir)
	assert.False(t, active)
	assert.NoError(t, ClaimRun(runDir))

	// A dead PID does not block either.
	require.NoError(t, os.WriteFile(filepath.Join(runDir, PIDFileName), []byte("999999"), 0o644))
	_, active = CheckWriter(runDir)
	assert.False(t, active)
}

const expressionConfig = `pipeline:
  name: Sim
  steps:
    - name: sim
      scope: expression
      init:
        x: "0"
      expressions:
        x: x + 1
      loop_until: x >= 3
      max_iterations: 10
processing:
  strategy: direct
  chunk_size: 2
  items:
    source: items.yaml
api:
  provider: gemini
`

func TestExpressionLoopStep(t *testing.T) {
	configPath := writeFixture(t, expressionConfig)
	runDir := filepath.Join(t.TempDir(), "run_expr")

	o, err := Init(configPath, runDir, InitOptions{})
	require.NoError(t, err)
	driveToCompletion(t, o)

	chunk := journal.NewChunk(runDir, "chunk_000")
	validated, err := jsonl.Load(chunk.ValidatedPath("sim"))
	require.NoError(t, err)
	require.Len(t, validated, 2)

	record := validated[0]
	assert.Equal(t, float64(3), record["x"])
	meta, ok := record["_metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), meta["iterations"])

	// Private underscore keys never leak into validated output.
	assert.NotContains(t, record, "_repetition_seed")
	assert.NotContains(t, record, "_repetition_id")

	summary, err := o.Status()
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusComplete, summary.Status)
}

func TestRevalidateIdempotent(t *testing.T) {
	configPath := writeFixture(t, twoStepBatchConfig)
	runDir := filepath.Join(t.TempDir(), "run_001")

	o, err := Init(configPath, runDir, InitOptions{})
	require.NoError(t, err)
	o.SetProvider(newMockProvider())
	driveToCompletion(t, o)

	passed1, failed1, err := o.Revalidate("generate")
	require.NoError(t, err)
	passed2, failed2, err := o.Revalidate("generate")
	require.NoError(t, err)
	assert.Equal(t, passed1, passed2)
	assert.Equal(t, failed1, failed2)
	assert.Equal(t, 2, passed1)
	assert.Zero(t, failed1)
}
