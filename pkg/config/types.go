// Package config loads, validates, and snapshots pipeline configurations.
// A config names the pipeline steps, the unit generation strategy, and the
// provider settings; the engine treats the validated Config as read-only
// for the life of a run.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/chunkflow/chunkflow/pkg/exprs"
	"github.com/chunkflow/chunkflow/pkg/validator"
)

// Step scopes.
const (
	ScopeChunk      = "chunk"
	ScopeExpression = "expression"
	ScopeRun        = "run"
)

// Modes.
const (
	ModeBatch    = "batch"
	ModeRealtime = "realtime"
)

// Config is the full pipeline configuration document.
type Config struct {
	Pipeline   Pipeline   `yaml:"pipeline"`
	Processing Processing `yaml:"processing"`
	API        API        `yaml:"api"`
	Prompts    Prompts    `yaml:"prompts"`
	Schemas    Schemas    `yaml:"schemas"`

	// Dir is the directory the config was loaded from; template, schema
	// and item paths resolve relative to it. Not serialised.
	Dir string `yaml:"-"`
}

// Pipeline names the run's ordered steps.
type Pipeline struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// StepValidation wraps a step's rule list.
type StepValidation struct {
	Rules []validator.Rule `yaml:"rules"`
}

// Step describes one pipeline stage.
type Step struct {
	Name           string          `yaml:"name"`
	Scope          string          `yaml:"scope"` // defaults to chunk
	PromptTemplate string          `yaml:"prompt_template,omitempty"`
	Schema         string          `yaml:"schema,omitempty"`
	Validation     *StepValidation `yaml:"validation,omitempty"`
	// Provider/Model override the run-level api settings for this step.
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`

	// Expression-scope fields. Init and Expressions preserve declaration
	// order, which drives the sequential namespace.
	Init          ExpressionBlock `yaml:"init,omitempty"`
	Expressions   ExpressionBlock `yaml:"expressions,omitempty"`
	LoopUntil     string          `yaml:"loop_until,omitempty"`
	MaxIterations int             `yaml:"max_iterations,omitempty"`

	// Run-scope fields: the command executed once all chunks validate.
	Command []string `yaml:"command,omitempty"`
}

// EffectiveScope returns the step scope with the chunk default applied.
func (s *Step) EffectiveScope() string {
	if s.Scope == "" {
		return ScopeChunk
	}
	return s.Scope
}

// Rules returns the step's validation rules, nil-safe.
func (s *Step) Rules() []validator.Rule {
	if s.Validation == nil {
		return nil
	}
	return s.Validation.Rules
}

// ExpressionBlock is an ordered mapping of name → expression. Plain
// yaml.v3 maps lose declaration order, so the block decodes from the raw
// node.
type ExpressionBlock []exprs.Entry

// UnmarshalYAML decodes a YAML mapping while preserving key order. Scalar
// values (numbers, booleans) are accepted and carried as their literal
// text.
func (b *ExpressionBlock) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("expression block must be a mapping, got %s", nodeKind(node))
	}
	entries := make([]exprs.Entry, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("expression %q must be a scalar string", key.Value)
		}
		entries = append(entries, exprs.Entry{Name: key.Value, Expr: value.Value})
	}
	*b = entries
	return nil
}

func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	default:
		return "document"
	}
}

// Processing configures unit generation and chunking.
type Processing struct {
	Strategy  string     `yaml:"strategy"` // permutation | cross_product | direct
	ChunkSize int        `yaml:"chunk_size"`
	Positions []Position `yaml:"positions,omitempty"`
	Items     Items      `yaml:"items"`
	Repeat    int        `yaml:"repeat,omitempty"`
	MaxUnits  *int       `yaml:"max_units,omitempty"`
	Seed      int64      `yaml:"seed,omitempty"`
	// ResumeThreshold is the validated-coverage fraction at or above which
	// a step counts as already done on resume. Zero means the default.
	ResumeThreshold    float64 `yaml:"resume_threshold,omitempty"`
	MaxInflightBatches int     `yaml:"max_inflight_batches,omitempty"`
}

// EffectiveStrategy returns the strategy with the permutation default.
func (p *Processing) EffectiveStrategy() string {
	if p.Strategy == "" {
		return "permutation"
	}
	return p.Strategy
}

// Position is one slot in the unit enumeration. For the permutation
// strategy a bare name suffices; cross_product positions also carry the
// source_key naming the item list they draw from.
type Position struct {
	Name      string `yaml:"name"`
	SourceKey string `yaml:"source_key,omitempty"`
}

// UnmarshalYAML accepts either a bare string or a {name, source_key}
// mapping.
func (p *Position) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Name = node.Value
		return nil
	}
	type plain Position
	return node.Decode((*plain)(p))
}

// Items points at the unit item source: an external YAML file or a key in
// the config-adjacent items file.
type Items struct {
	Source string `yaml:"source,omitempty"`
	Key    string `yaml:"key,omitempty"`
}

// API configures the provider connection and run pacing.
type API struct {
	Provider                 string  `yaml:"provider"`
	Model                    string  `yaml:"model,omitempty"`
	Mode                     string  `yaml:"mode,omitempty"` // batch (default) | realtime
	PollInterval             int     `yaml:"poll_interval,omitempty"`
	MaxRetries               int     `yaml:"max_retries,omitempty"`
	MaxTokens                int     `yaml:"max_tokens,omitempty"`
	DelayBetweenCalls        float64 `yaml:"delay_between_calls,omitempty"`
	TimeoutSeconds           int     `yaml:"timeout_seconds,omitempty"`
	SubprocessTimeoutSeconds int     `yaml:"subprocess_timeout_seconds,omitempty"`
	Retry                    Retry   `yaml:"retry,omitempty"`
}

// EffectiveMode returns the mode with the batch default.
func (a *API) EffectiveMode() string {
	if a.Mode == "" {
		return ModeBatch
	}
	return a.Mode
}

// Retry tunes the provider port's backoff.
type Retry struct {
	MaxAttempts         int     `yaml:"max_attempts,omitempty"`
	InitialDelaySeconds float64 `yaml:"initial_delay_seconds,omitempty"`
	BackoffMultiplier   float64 `yaml:"backoff_multiplier,omitempty"`
}

// Prompts locates the template directory.
type Prompts struct {
	Dir string `yaml:"dir,omitempty"`
}

// Schemas locates the schema directory.
type Schemas struct {
	Dir string `yaml:"dir,omitempty"`
}

// StepNames returns the pipeline step names in order.
func (c *Config) StepNames() []string {
	names := make([]string, len(c.Pipeline.Steps))
	for i, step := range c.Pipeline.Steps {
		names[i] = step.Name
	}
	return names
}

// StepByName returns the named step, or nil.
func (c *Config) StepByName(name string) *Step {
	for i := range c.Pipeline.Steps {
		if c.Pipeline.Steps[i].Name == name {
			return &c.Pipeline.Steps[i]
		}
	}
	return nil
}

// ChunkScopeSteps returns steps executed per chunk (chunk + expression
// scopes), in pipeline order.
func (c *Config) ChunkScopeSteps() []Step {
	var steps []Step
	for _, step := range c.Pipeline.Steps {
		if scope := step.EffectiveScope(); scope == ScopeChunk || scope == ScopeExpression {
			steps = append(steps, step)
		}
	}
	return steps
}

// RunScopeSteps returns run-scope steps in pipeline order.
func (c *Config) RunScopeSteps() []Step {
	var steps []Step
	for _, step := range c.Pipeline.Steps {
		if step.EffectiveScope() == ScopeRun {
			steps = append(steps, step)
		}
	}
	return steps
}

// HasLLMSteps reports whether any step calls a provider.
func (c *Config) HasLLMSteps() bool {
	for _, step := range c.Pipeline.Steps {
		if step.EffectiveScope() == ScopeChunk {
			return true
		}
	}
	return false
}
