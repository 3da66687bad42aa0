package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/runlog"
)

// newTestContext builds a runner context over a throwaway run directory
// with one chunk of two units and a two-step pipeline.
func newTestContext(t *testing.T) (*Context, *journal.Chunk) {
	t.Helper()
	runDir := t.TempDir()

	cfgDir := filepath.Join(runDir, "config")
	require.NoError(t, os.MkdirAll(filepath.Join(cfgDir, "templates"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "templates", "generate.jinja2"),
		[]byte("Write about {{ topic }}."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "templates", "score.jinja2"),
		[]byte("Score: {{ text }}"), 0o644))

	cfg := &config.Config{
		Dir: cfgDir,
		Pipeline: config.Pipeline{
			Name: "Test",
			Steps: []config.Step{
				{Name: "generate", PromptTemplate: "generate.jinja2"},
				{Name: "score", PromptTemplate: "score.jinja2"},
			},
		},
		Processing: config.Processing{ChunkSize: 2, ResumeThreshold: 0.9},
		API:        config.API{Provider: "mock", MaxRetries: 3},
		Prompts:    config.Prompts{Dir: "templates"},
		Schemas:    config.Schemas{Dir: "schemas"},
	}

	m := &manifest.Manifest{
		Status:   manifest.StatusRunning,
		Pipeline: []string{"generate", "score"},
		Chunks: map[string]*manifest.Chunk{
			"chunk_000": {State: manifest.PendingState("generate"), Items: 2},
		},
	}
	store := manifest.NewStore(nil)
	require.NoError(t, store.Save(runDir, m))

	chunk := journal.NewChunk(runDir, "chunk_000")
	require.NoError(t, chunk.WriteUnits([]jsonl.Record{
		{"unit_id": "unit_000000", "topic": "A"},
		{"unit_id": "unit_000001", "topic": "B"},
	}))

	log := runlog.New(runDir)
	log.EchoStderr = false
	return &Context{
		RunDir:   runDir,
		Config:   cfg,
		Manifest: m,
		Store:    store,
		Log:      log,
	}, chunk
}

func TestMergedUnitsOverlayPriorSteps(t *testing.T) {
	rc, chunk := newTestContext(t)

	require.NoError(t, chunk.AppendValidated("generate", jsonl.Record{
		"unit_id": "unit_000000", "text": "about A", "_metadata": map[string]any{"input_tokens": 1},
	}))

	merged, err := rc.MergedUnits(chunk, "score")
	require.NoError(t, err)
	require.Len(t, merged, 2)

	byID := recordsByID(merged)
	// The validated output merged in; _metadata stayed out.
	assert.Equal(t, "about A", byID["unit_000000"]["text"])
	assert.NotContains(t, byID["unit_000000"], "_metadata")
	// Units without prior output are untouched.
	assert.NotContains(t, byID["unit_000001"], "text")
}

func TestMergedUnitsFirstStepSeesRawUnits(t *testing.T) {
	rc, chunk := newTestContext(t)
	merged, err := rc.MergedUnits(chunk, "generate")
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, "A", merged[0]["topic"])
}

func TestRenderPromptsWritesJournal(t *testing.T) {
	rc, chunk := newTestContext(t)
	step := rc.Config.StepByName("generate")

	prompts, err := rc.renderPrompts(chunk, step)
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Equal(t, "Write about A.", prompts[0].Text)
	assert.Zero(t, prompts[0].RetryCount)

	lines, err := jsonl.Load(chunk.PromptsPath("generate"))
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestRenderPromptsSkipsValidatedAndHardFailed(t *testing.T) {
	rc, chunk := newTestContext(t)
	step := rc.Config.StepByName("generate")

	require.NoError(t, chunk.AppendValidated("generate", jsonl.Record{
		"unit_id": "unit_000000", "text": "done",
	}))
	require.NoError(t, chunk.AppendFailure("generate", jsonl.Record{
		"unit_id": "unit_000001", "failure_stage": "api", "retry_count": 0,
	}))

	prompts, err := rc.renderPrompts(chunk, step)
	require.NoError(t, err)
	assert.Empty(t, prompts)
}

func TestRenderPromptsIncrementsRetryCount(t *testing.T) {
	rc, chunk := newTestContext(t)
	step := rc.Config.StepByName("generate")

	require.NoError(t, chunk.AppendFailure("generate", jsonl.Record{
		"unit_id": "unit_000000", "failure_stage": "validation", "retry_count": 1,
	}))

	prompts, err := rc.renderPrompts(chunk, step)
	require.NoError(t, err)
	require.Len(t, prompts, 2)

	byUnit := map[string]Prompt{}
	for _, prompt := range prompts {
		byUnit[prompt.UnitID] = prompt
	}
	assert.Equal(t, 2, byUnit["unit_000000"].RetryCount)
	assert.Equal(t, 0, byUnit["unit_000001"].RetryCount)
}

func TestRunChunkExpressionFailureRecordsValidationStage(t *testing.T) {
	rc, chunk := newTestContext(t)
	rc.Config.Pipeline.Steps = []config.Step{{
		Name:        "calc",
		Scope:       config.ScopeExpression,
		Expressions: config.ExpressionBlock{{Name: "bad", Expr: "len(12)"}},
	}}
	rc.Manifest.Pipeline = []string{"calc"}
	rc.Manifest.Chunks["chunk_000"].State = manifest.PendingState("calc")

	require.NoError(t, rc.RunChunkExpression("chunk_000", rc.Config.StepByName("calc"), false))

	failures, err := jsonl.Load(chunk.FailuresPath("calc"))
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "validation", failures[0]["failure_stage"])
}
