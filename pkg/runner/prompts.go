package runner

import (
	"fmt"

	"github.com/flosch/pongo2/v6"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/units"
)

// Prompt is one rendered prompt bound to its unit.
type Prompt struct {
	UnitID string
	Text   string
	// RetryCount is the attempt number for this unit, taken from the
	// failures journal; zero on the first attempt.
	RetryCount int
}

// renderPrompts renders the step template against every pending unit's
// merged namespace and writes {step}_prompts.jsonl. Units whose failures
// are exhausted are excluded; pending units with prior failures carry
// retry_count+1.
func (rc *Context) renderPrompts(chunk *journal.Chunk, step *config.Step) ([]Prompt, error) {
	merged, err := rc.MergedUnits(chunk, step.Name)
	if err != nil {
		return nil, err
	}
	unitIDs := journal.UnitIDs(merged)

	pending, err := chunk.PendingUnits(step.Name, unitIDs)
	if err != nil {
		return nil, err
	}
	retryCounts, err := chunk.RetryCounts(step.Name)
	if err != nil {
		return nil, err
	}
	hardFailed, err := chunk.HardFailed(step.Name, rc.maxRetries())
	if err != nil {
		return nil, err
	}

	template, err := pongo2.FromFile(rc.Config.TemplatePath(step))
	if err != nil {
		return nil, fmt.Errorf("load template for step %s: %w", step.Name, err)
	}

	byID := make(map[string]jsonl.Record, len(merged))
	for _, record := range merged {
		if id, ok := record[units.IDField].(string); ok {
			byID[id] = record
		}
	}

	var prompts []Prompt
	var lines []jsonl.Record
	for _, id := range pending {
		if hardFailed[id] {
			continue
		}
		record := byID[id]
		text, err := template.Execute(pongo2.Context(record))
		if err != nil {
			// A template that cannot render for this unit is a unit-level
			// failure, not a run failure; the empty prompt flows through
			// and fails as a parse-category record.
			text = ""
		}
		retryCount := 0
		if previous, ok := retryCounts[id]; ok {
			retryCount = previous + 1
		}
		prompts = append(prompts, Prompt{UnitID: id, Text: text, RetryCount: retryCount})
		lines = append(lines, jsonl.Record{units.IDField: id, "prompt": text, "retry_count": retryCount})
	}

	if len(lines) > 0 {
		if err := jsonl.Write(chunk.PromptsPath(step.Name), lines); err != nil {
			return nil, err
		}
	}
	return prompts, nil
}
