package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// defaults are merged into every loaded config; explicit values win.
func defaults() Config {
	return Config{
		Processing: Processing{
			ResumeThreshold:    0.9,
			MaxInflightBatches: 10,
		},
		API: API{
			PollInterval:             30,
			MaxRetries:               3,
			DelayBetweenCalls:        0.5,
			TimeoutSeconds:           120,
			SubprocessTimeoutSeconds: 600,
			Retry: Retry{
				MaxAttempts:         5,
				InitialDelaySeconds: 30,
				BackoffMultiplier:   2,
			},
		},
		Prompts: Prompts{Dir: "templates"},
		Schemas: Schemas{Dir: "schemas"},
	}
}

// Load reads a pipeline config file, expands environment variables, applies
// defaults, and resolves the config directory for relative paths. The
// result has not been validated; call Validate separately.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := mergo.Merge(&cfg, defaults()); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.Dir = filepath.Dir(absPath)
	return &cfg, nil
}

// TemplatePath resolves a step's prompt template file.
func (c *Config) TemplatePath(step *Step) string {
	return filepath.Join(c.Dir, c.Prompts.Dir, step.PromptTemplate)
}

// SchemaPath resolves a step's schema file.
func (c *Config) SchemaPath(step *Step) string {
	return filepath.Join(c.Dir, c.Schemas.Dir, step.Schema)
}

// ItemsPath resolves the unit item source file. An items.Key reference
// points at the conventional items.yaml next to the config.
func (c *Config) ItemsPath() string {
	if c.Processing.Items.Source != "" {
		return filepath.Join(c.Dir, c.Processing.Items.Source)
	}
	return filepath.Join(c.Dir, "items.yaml")
}
