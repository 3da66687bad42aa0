package config

import (
	"fmt"
	"os"

	"github.com/chunkflow/chunkflow/pkg/exprs"
	"github.com/chunkflow/chunkflow/pkg/validator"
)

var validStrategies = []string{"permutation", "cross_product", "direct"}

var validProviders = []string{"gemini", "openai", "anthropic"}

// Validate checks the config for orchestration readiness and returns every
// problem found (empty means valid). Expression syntax is compiled here so
// that bad expressions surface before a run starts rather than mid-step.
func (c *Config) Validate() []string {
	var errs []string

	errs = append(errs, c.validatePipeline()...)
	errs = append(errs, c.validateProcessing()...)

	if c.HasLLMSteps() {
		if c.API.Provider == "" {
			errs = append(errs, "missing 'api.provider' (required when pipeline has LLM steps)")
		} else if !contains(validProviders, c.API.Provider) {
			errs = append(errs, fmt.Sprintf("invalid 'api.provider' %q, valid: %v", c.API.Provider, validProviders))
		}
		if mode := c.API.EffectiveMode(); mode != ModeBatch && mode != ModeRealtime {
			errs = append(errs, fmt.Sprintf("invalid 'api.mode' %q, valid: [batch realtime]", mode))
		}
	}

	return errs
}

func (c *Config) validatePipeline() []string {
	var errs []string
	if len(c.Pipeline.Steps) == 0 {
		return []string{"'pipeline.steps' is empty"}
	}
	seen := make(map[string]bool)
	for i, step := range c.Pipeline.Steps {
		if step.Name == "" {
			errs = append(errs, fmt.Sprintf("pipeline step %d missing 'name'", i))
			continue
		}
		if seen[step.Name] {
			errs = append(errs, fmt.Sprintf("duplicate pipeline step name %q", step.Name))
		}
		seen[step.Name] = true

		scope := step.EffectiveScope()
		switch scope {
		case ScopeChunk:
			if step.PromptTemplate == "" {
				errs = append(errs, fmt.Sprintf("step %q missing 'prompt_template'", step.Name))
			} else if _, err := os.Stat(c.TemplatePath(&step)); err != nil {
				errs = append(errs, fmt.Sprintf("step %q template not found: %s", step.Name, c.TemplatePath(&step)))
			}
			if step.Schema != "" {
				if schema, err := LoadSchema(c.SchemaPath(&step)); err != nil {
					errs = append(errs, fmt.Sprintf("step %q schema: %v", step.Name, err))
				} else {
					errs = append(errs, checkSchemaTypes(step.Name, schema)...)
				}
			}
			for _, rule := range step.Rules() {
				if rule.Name == "" {
					errs = append(errs, fmt.Sprintf("step %q has a rule without a name", step.Name))
				}
				if rule.Expr == "" {
					errs = append(errs, fmt.Sprintf("step %q rule %q missing 'expr'", step.Name, rule.Name))
				} else if err := exprs.Check(rule.Expr); err != nil {
					errs = append(errs, fmt.Sprintf("step %q rule %q: %v", step.Name, rule.Name, err))
				}
				if rule.When != "" {
					if err := exprs.Check(rule.When); err != nil {
						errs = append(errs, fmt.Sprintf("step %q rule %q when clause: %v", step.Name, rule.Name, err))
					}
				}
			}
		case ScopeExpression:
			if len(step.Expressions) == 0 {
				errs = append(errs, fmt.Sprintf("expression step %q missing 'expressions' block", step.Name))
			}
			for _, entry := range append(append([]exprs.Entry{}, step.Init...), step.Expressions...) {
				if err := exprs.Check(entry.Expr); err != nil {
					errs = append(errs, fmt.Sprintf("step %q expression %q: %v", step.Name, entry.Name, err))
				}
			}
			if step.LoopUntil != "" {
				if err := exprs.Check(step.LoopUntil); err != nil {
					errs = append(errs, fmt.Sprintf("step %q loop_until: %v", step.Name, err))
				}
			}
			if step.MaxIterations < 0 {
				errs = append(errs, fmt.Sprintf("step %q max_iterations must be non-negative", step.Name))
			}
		case ScopeRun:
			if len(step.Command) == 0 {
				errs = append(errs, fmt.Sprintf("run-scope step %q missing 'command'", step.Name))
			}
		default:
			errs = append(errs, fmt.Sprintf("pipeline step %q has invalid scope %q, valid: [chunk expression run]", step.Name, step.Scope))
		}

		if step.Provider != "" && !contains(validProviders, step.Provider) {
			errs = append(errs, fmt.Sprintf("pipeline step %q has invalid provider %q, valid: %v", step.Name, step.Provider, validProviders))
		}
	}
	return errs
}

func (c *Config) validateProcessing() []string {
	var errs []string
	p := &c.Processing

	strategy := p.EffectiveStrategy()
	if !contains(validStrategies, strategy) {
		errs = append(errs, fmt.Sprintf("invalid 'processing.strategy' %q, valid: %v", strategy, validStrategies))
	}
	if p.ChunkSize <= 0 {
		errs = append(errs, "missing 'processing.chunk_size'")
	}
	if (strategy == "permutation" || strategy == "cross_product") && len(p.Positions) == 0 {
		errs = append(errs, fmt.Sprintf("missing 'processing.positions' (required for %s strategy)", strategy))
	}
	if strategy == "cross_product" {
		for _, pos := range p.Positions {
			if pos.SourceKey == "" {
				errs = append(errs, fmt.Sprintf("position %q missing 'source_key' (required for cross_product strategy)", pos.Name))
			}
		}
	}
	if p.Items.Source == "" && p.Items.Key == "" {
		errs = append(errs, "missing 'processing.items.source' or 'processing.items.key'")
	}
	if p.Repeat < 0 {
		errs = append(errs, "processing.repeat must be at least 1")
	}
	if p.MaxUnits != nil && *p.MaxUnits < 0 {
		errs = append(errs, "processing.max_units must be non-negative")
	}
	if p.ResumeThreshold < 0 || p.ResumeThreshold > 1 {
		errs = append(errs, "processing.resume_threshold must be within [0, 1]")
	}
	return errs
}

func checkSchemaTypes(stepName string, schema *validator.Schema) []string {
	var errs []string
	for field, spec := range schema.Fields {
		if spec.Type != "" && !validator.KnownType(spec.Type) {
			errs = append(errs, fmt.Sprintf("step %q schema field %q has unknown type %q", stepName, field, spec.Type))
		}
		if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
			errs = append(errs, fmt.Sprintf("step %q schema field %q has empty range [%v, %v]", stepName, field, *spec.Min, *spec.Max))
		}
	}
	return errs
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
