package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `pipeline:
  name: Sample
  steps:
    - name: generate
      prompt_template: generate.jinja2
      schema: generate.json
      validation:
        rules:
          - name: nonempty
            expr: len(text) > 0
    - name: sim
      scope: expression
      init:
        x: "0"
        budget: "100"
      expressions:
        x: x + 1
        remaining: budget - x
      loop_until: x >= 3
      max_iterations: 10
processing:
  strategy: direct
  chunk_size: 25
  items:
    source: items.yaml
api:
  provider: gemini
  model: gemini-2.0-flash-001
  mode: batch
`

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(sampleConfig), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "templates"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "schemas"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "generate.jinja2"),
		[]byte("Write about {{ topic }}."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schemas", "generate.json"),
		[]byte(`{"required": ["text"], "fields": {"text": {"type": "string"}}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "items.yaml"),
		[]byte("- topic: A\n- topic: B\n"), 0o644))
	return dir
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := writeFixture(t)
	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.API.PollInterval)
	assert.Equal(t, 3, cfg.API.MaxRetries)
	assert.Equal(t, 600, cfg.API.SubprocessTimeoutSeconds)
	assert.Equal(t, 5, cfg.API.Retry.MaxAttempts)
	assert.InDelta(t, 0.9, cfg.Processing.ResumeThreshold, 1e-9)
	assert.Equal(t, 10, cfg.Processing.MaxInflightBatches)
	assert.Equal(t, "templates", cfg.Prompts.Dir)
	assert.Equal(t, dir, cfg.Dir)
}

func TestExpressionBlockPreservesOrder(t *testing.T) {
	dir := writeFixture(t)
	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	step := cfg.StepByName("sim")
	require.NotNil(t, step)
	require.Len(t, step.Init, 2)
	assert.Equal(t, "x", step.Init[0].Name)
	assert.Equal(t, "budget", step.Init[1].Name)
	require.Len(t, step.Expressions, 2)
	assert.Equal(t, "x", step.Expressions[0].Name)
	assert.Equal(t, "x + 1", step.Expressions[0].Expr)
	assert.Equal(t, "remaining", step.Expressions[1].Name)
}

func TestStepAccessors(t *testing.T) {
	dir := writeFixture(t)
	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"generate", "sim"}, cfg.StepNames())
	assert.Len(t, cfg.ChunkScopeSteps(), 2)
	assert.Empty(t, cfg.RunScopeSteps())
	assert.True(t, cfg.HasLLMSteps())
	assert.Nil(t, cfg.StepByName("missing"))
}

func TestValidateAcceptsFixture(t *testing.T) {
	dir := writeFixture(t)
	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Validate())
}

func TestValidateCatchesProblems(t *testing.T) {
	dir := writeFixture(t)
	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		problem string
	}{
		{
			name:    "empty pipeline",
			mutate:  func(c *Config) { c.Pipeline.Steps = nil },
			problem: "'pipeline.steps' is empty",
		},
		{
			name:    "bad scope",
			mutate:  func(c *Config) { c.Pipeline.Steps[0].Scope = "galaxy" },
			problem: "invalid scope",
		},
		{
			name:    "missing chunk size",
			mutate:  func(c *Config) { c.Processing.ChunkSize = 0 },
			problem: "chunk_size",
		},
		{
			name:    "bad strategy",
			mutate:  func(c *Config) { c.Processing.Strategy = "sideways" },
			problem: "processing.strategy",
		},
		{
			name:    "bad rule expression",
			mutate:  func(c *Config) { c.Pipeline.Steps[0].Validation.Rules[0].Expr = "len(" },
			problem: "rule",
		},
		{
			name:    "bad loop expression",
			mutate:  func(c *Config) { c.Pipeline.Steps[1].LoopUntil = ">>>" },
			problem: "loop_until",
		},
		{
			name:    "bad provider",
			mutate:  func(c *Config) { c.API.Provider = "skynet" },
			problem: "api.provider",
		},
		{
			name:    "bad step provider override",
			mutate:  func(c *Config) { c.Pipeline.Steps[0].Provider = "skynet" },
			problem: "invalid provider",
		},
		{
			name:    "missing template file",
			mutate:  func(c *Config) { c.Pipeline.Steps[0].PromptTemplate = "absent.jinja2" },
			problem: "template not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fresh, err := Load(filepath.Join(dir, "config.yaml"))
			require.NoError(t, err)
			tt.mutate(fresh)
			problems := fresh.Validate()
			require.NotEmpty(t, problems)
			found := false
			for _, problem := range problems {
				if strings.Contains(problem, tt.problem) {
					found = true
					break
				}
			}
			assert.True(t, found, "expected a problem mentioning %q, got %v", tt.problem, problems)
		})
	}
	_ = cfg
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := writeFixture(t)
	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	runDir := t.TempDir()
	require.NoError(t, Snapshot(cfg, filepath.Join(dir, "config.yaml"), runDir))

	for _, rel := range []string{
		"config/config.yaml",
		"config/templates/generate.jinja2",
		"config/schemas/generate.json",
		"config/items.yaml",
	} {
		_, err := os.Stat(filepath.Join(runDir, rel))
		assert.NoError(t, err, rel)
	}

	snap, err := LoadSnapshot(runDir)
	require.NoError(t, err)
	assert.Equal(t, cfg.StepNames(), snap.StepNames())
	assert.Empty(t, snap.Validate())
}

func TestLoadSchema(t *testing.T) {
	dir := writeFixture(t)
	schema, err := LoadSchema(filepath.Join(dir, "schemas", "generate.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"text"}, schema.Required)
	assert.Equal(t, "string", schema.Fields["text"].Type)
}

func TestProviderSchema(t *testing.T) {
	dir := writeFixture(t)
	schema, err := LoadSchema(filepath.Join(dir, "schemas", "generate.json"))
	require.NoError(t, err)

	out := ProviderSchema(schema)
	require.NotNil(t, out)
	assert.Equal(t, "object", out["type"])
	assert.Contains(t, out, "required")

	assert.Nil(t, ProviderSchema(nil))
}
