package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/provider/mock"
)

const realtimeConfig = `pipeline:
  name: Answer
  steps:
    - name: answer
      prompt_template: generate.jinja2
      schema: generate.json
      validation:
        rules:
          - name: nonempty
            expr: len(text) > 0
            message: text must not be empty
processing:
  strategy: direct
  chunk_size: 2
  items:
    source: items.yaml
  max_units: 1
api:
  provider: gemini
  mode: realtime
  max_retries: 3
  delay_between_calls: 0
`

func TestRealtimeValidationRetry(t *testing.T) {
	configPath := writeFixture(t, realtimeConfig)
	runDir := filepath.Join(t.TempDir(), "run_rt")

	o, err := Init(configPath, runDir, InitOptions{})
	require.NoError(t, err)

	client := mock.New()
	// Empty text first (fails the rule), then a good answer.
	client.Realtime = []mock.Response{
		{Content: `{"text": ""}`, InputTokens: 10, OutputTokens: 2},
		{Content: `{"text": "a fine answer"}`, InputTokens: 10, OutputTokens: 5},
	}
	o.SetProvider(client)

	require.NoError(t, o.Realtime(context.Background()))

	chunk := journal.NewChunk(runDir, "chunk_000")
	failures, err := jsonl.Load(chunk.FailuresPath("answer"))
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "validation", failures[0]["failure_stage"])
	assert.Equal(t, float64(0), failures[0]["retry_count"])

	validated, err := jsonl.Load(chunk.ValidatedPath("answer"))
	require.NoError(t, err)
	require.Len(t, validated, 1)
	assert.Equal(t, "a fine answer", validated[0]["text"])

	m, err := o.Store.Load(runDir)
	require.NoError(t, err)
	assert.Equal(t, manifest.ChunkValidated, m.Chunks["chunk_000"].State)
	assert.Equal(t, 1, m.Chunks["chunk_000"].Valid)
	assert.Equal(t, 0, m.Chunks["chunk_000"].Failed)
	assert.Equal(t, manifest.StatusComplete, m.Status)

	// The retry call's tokens land in the retry counters.
	assert.Equal(t, 10, m.Metadata.InitialInputTokens)
	assert.Equal(t, 10, m.Metadata.RetryInputTokens)
}

func TestRealtimeEmptyPromptIsParseFailure(t *testing.T) {
	configPath := writeFixture(t, realtimeConfig)
	runDir := filepath.Join(t.TempDir(), "run_rt2")

	o, err := Init(configPath, runDir, InitOptions{})
	require.NoError(t, err)

	// Break the template so the prompt renders empty.
	tmpl := filepath.Join(runDir, "config", "templates", "generate.jinja2")
	require.NoError(t, os.WriteFile(tmpl, nil, 0o644))

	client := mock.New()
	client.DefaultContent = `{"text": "never called"}`
	o.SetProvider(client)

	err = o.Realtime(context.Background())
	require.NoError(t, err)

	chunk := journal.NewChunk(runDir, "chunk_000")
	failures, err := jsonl.Load(chunk.FailuresPath("answer"))
	require.NoError(t, err)
	require.NotEmpty(t, failures)
	assert.Equal(t, "parse", failures[0]["failure_stage"])
	// The provider was never called for the empty prompt.
	assert.Zero(t, client.CallCount)

	// The unit exhausts its retries and hard-fails; the chunk still
	// advances and the run completes with the failure counted.
	m, err := o.Store.Load(runDir)
	require.NoError(t, err)
	assert.Equal(t, manifest.ChunkValidated, m.Chunks["chunk_000"].State)
	assert.Equal(t, 0, m.Chunks["chunk_000"].Valid)
	assert.Equal(t, 1, m.Chunks["chunk_000"].Failed)
	assert.Equal(t, manifest.StatusComplete, m.Status)
}
