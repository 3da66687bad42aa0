// Package runner executes pipeline steps against chunks: the chunk-LLM
// runner (submit/collect/realtime), the chunk-expression runner, and the
// run-scope runner. Each runner owns one chunk at a time; all persistence
// goes through the chunk journal and the manifest store.
package runner

import (
	"fmt"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/provider"
	"github.com/chunkflow/chunkflow/pkg/runlog"
	"github.com/chunkflow/chunkflow/pkg/units"
)

// ProviderResolver returns the provider for a step, honouring per-step
// provider/model overrides.
type ProviderResolver func(step *config.Step) (provider.Provider, error)

// Context carries everything a runner needs for one run. It is built by
// the orchestrator and treated as read-only here except for the Manifest,
// which runners mutate for the chunk they own before saving.
type Context struct {
	RunDir   string
	Config   *config.Config
	Manifest *manifest.Manifest
	Store    *manifest.Store
	Provider ProviderResolver
	Log      *runlog.Logger
}

// SaveManifest persists the manifest with one retry; a second failure is
// structural and fatal to the run.
func (rc *Context) SaveManifest() error {
	return rc.Store.SaveWithRetry(rc.RunDir, rc.Manifest)
}

// MergedUnits loads a chunk's units with the validated outputs of all
// steps before the given one merged in, so step k+1 sees step k's fields.
// The unit's own fields lose to later step outputs on key collision;
// _metadata never merges.
func (rc *Context) MergedUnits(chunk *journal.Chunk, stepName string) ([]jsonl.Record, error) {
	records, err := chunk.LoadUnits()
	if err != nil {
		return nil, err
	}

	for _, prior := range rc.Config.ChunkScopeSteps() {
		if prior.Name == stepName {
			break
		}
		validated, err := chunk.LoadValidated(prior.Name)
		if err != nil {
			return nil, fmt.Errorf("load %s validated: %w", prior.Name, err)
		}
		for _, record := range records {
			id, _ := record[units.IDField].(string)
			output, ok := validated[id]
			if !ok {
				continue
			}
			for key, value := range output {
				if key == "_metadata" || key == "_raw_text" {
					continue
				}
				record[key] = value
			}
		}
	}
	return records, nil
}

// resolveThreshold returns the configured resume threshold.
func (rc *Context) resolveThreshold() float64 {
	return rc.Config.Processing.ResumeThreshold
}

// maxRetries returns the configured per-unit retry budget.
func (rc *Context) maxRetries() int {
	return rc.Config.API.MaxRetries
}
