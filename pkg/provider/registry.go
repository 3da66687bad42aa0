package provider

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelPricing is one model's registry entry.
type ModelPricing struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ProviderInfo is one vendor's registry section.
type ProviderInfo struct {
	EnvVar             string                  `yaml:"env_var"`
	DefaultModel       string                  `yaml:"default_model"`
	RealtimeMultiplier float64                 `yaml:"realtime_multiplier"`
	Models             map[string]ModelPricing `yaml:"models"`
}

// Registry is the model registry loaded from models.yaml. It is consulted
// only for cost computation; a missing registry never affects correctness.
type Registry struct {
	Providers map[string]ProviderInfo `yaml:"providers"`
	Defaults  ModelPricing            `yaml:"defaults"`
}

// defaultRegistry covers the common case of a missing models.yaml.
var defaultRegistry = Registry{
	Defaults: ModelPricing{InputPerMillion: 1.00, OutputPerMillion: 2.00},
}

// LoadRegistry reads models.yaml. A missing file returns the built-in
// defaults; a malformed file is an error.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			reg := defaultRegistry
			return &reg, nil
		}
		return nil, err
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse model registry %s: %w", path, err)
	}
	if reg.Defaults.InputPerMillion == 0 && reg.Defaults.OutputPerMillion == 0 {
		reg.Defaults = defaultRegistry.Defaults
	}
	return &reg, nil
}

// Rates returns per-million rates for a provider/model pair, falling back
// to the provider's default model. The realtime multiplier is applied when
// realtime is true. ok is false when the provider is unknown or neither the
// model nor the provider's default model has an entry; the registry
// Defaults are not consulted here (EstimateCost applies them).
func (r *Registry) Rates(providerName, model string, realtime bool) (inputPerMillion, outputPerMillion float64, ok bool) {
	info, found := r.Providers[providerName]
	if !found {
		return 0, 0, false
	}
	pricing, found := info.Models[model]
	if !found && info.DefaultModel != "" {
		pricing, found = info.Models[info.DefaultModel]
	}
	if !found {
		return 0, 0, false
	}
	multiplier := 1.0
	if realtime {
		multiplier = info.RealtimeMultiplier
		if multiplier == 0 {
			multiplier = 2.0
		}
	}
	return pricing.InputPerMillion * multiplier, pricing.OutputPerMillion * multiplier, true
}

// EstimateCost computes USD cost for token usage against a provider/model
// pair, rounded to 6 decimals.
func (r *Registry) EstimateCost(providerName, model string, inputTokens, outputTokens int, isBatch bool) float64 {
	in, out, ok := r.Rates(providerName, model, !isBatch)
	if !ok {
		in, out = r.Defaults.InputPerMillion, r.Defaults.OutputPerMillion
		if !isBatch {
			in *= 2.0
			out *= 2.0
		}
	}
	cost := float64(inputTokens)/1e6*in + float64(outputTokens)/1e6*out
	return math.Round(cost*1e6) / 1e6
}
