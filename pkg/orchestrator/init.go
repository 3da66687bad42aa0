package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/runlog"
	"github.com/chunkflow/chunkflow/pkg/units"
)

// InitOptions tunes run creation.
type InitOptions struct {
	// MaxUnits overrides the config's cap when non-nil.
	MaxUnits *int
}

// Init creates a run directory: snapshot the config, generate and
// partition units, write each chunk's units.jsonl, and write the initial
// manifest with every chunk at the first step's PENDING state. An empty
// enumeration (max_units=0) initialises straight to complete.
func Init(configPath, runDir string, opts InitOptions) (*Orchestrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed: %s", errs[0])
	}
	if opts.MaxUnits != nil {
		cfg.Processing.MaxUnits = opts.MaxUnits
	}

	if _, err := os.Stat(filepath.Join(runDir, manifest.FileName)); err == nil {
		return nil, fmt.Errorf("run directory %s already initialised", runDir)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}

	if err := config.Snapshot(cfg, configPath, runDir); err != nil {
		return nil, err
	}

	// Re-anchor on the snapshot so the run never depends on the live
	// config tree again.
	cfg, err = config.LoadSnapshot(runDir)
	if err != nil {
		return nil, err
	}
	if opts.MaxUnits != nil {
		cfg.Processing.MaxUnits = opts.MaxUnits
	}

	o, err := newOrchestrator(runDir, cfg)
	if err != nil {
		return nil, err
	}

	allUnits, err := units.Generate(cfg)
	if err != nil {
		return nil, fmt.Errorf("generate units: %w", err)
	}
	chunks := units.Partition(allUnits, cfg.Processing.ChunkSize)

	chunkSteps := cfg.ChunkScopeSteps()
	if len(chunkSteps) == 0 {
		return nil, fmt.Errorf("pipeline has no chunk-scope steps")
	}
	firstStep := chunkSteps[0].Name

	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	m := &manifest.Manifest{
		Created:  now,
		Status:   manifest.StatusPending,
		Pipeline: chunkStepNames(cfg),
		Chunks:   make(map[string]*manifest.Chunk, len(chunks)),
		Metadata: manifest.Metadata{
			Mode:         cfg.API.EffectiveMode(),
			Provider:     cfg.API.Provider,
			Model:        cfg.API.Model,
			PipelineName: cfg.Pipeline.Name,
			RunID:        uuid.NewString(),
			StartTime:    now,
			PollInterval: cfg.API.PollInterval,
			MaxRetries:   cfg.API.MaxRetries,
		},
	}
	if cfg.Processing.MaxUnits != nil {
		m.Metadata.MaxUnits = *cfg.Processing.MaxUnits
	}

	for name, chunkUnits := range chunks {
		chunk := journal.NewChunk(runDir, name)
		if err := chunk.WriteUnits(chunkUnits); err != nil {
			return nil, fmt.Errorf("write %s units: %w", name, err)
		}
		m.Chunks[name] = &manifest.Chunk{
			State: manifest.PendingState(firstStep),
			Items: len(chunkUnits),
		}
	}

	if len(chunks) == 0 {
		// Nothing to do; the run is born complete.
		m.Status = manifest.StatusComplete
		m.CompletedAt = now
	}

	if err := o.Store.Save(runDir, m); err != nil {
		return nil, err
	}
	if err := WritePIDFile(runDir); err != nil {
		return nil, err
	}

	o.Log.Logf(runlog.LevelInit, "run initialised: %d units in %d chunks, pipeline %v, mode %s",
		len(allUnits), len(chunks), m.Pipeline, m.Metadata.Mode)
	return o, nil
}

func chunkStepNames(cfg *config.Config) []string {
	steps := cfg.ChunkScopeSteps()
	names := make([]string, len(steps))
	for i, step := range steps {
		names[i] = step.Name
	}
	return names
}
