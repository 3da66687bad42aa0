package runner

import (
	"fmt"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/runlog"
	"github.com/chunkflow/chunkflow/pkg/units"
	"github.com/chunkflow/chunkflow/pkg/validator"
)

// RevalidateChunk re-runs validation for one chunk's step against the
// already-collected {step}_results.jsonl without calling the provider. The
// validated and failures files are rewritten from scratch, so running it
// twice with the same rules produces the same partition. Results that
// previously failed a since-relaxed rule can flip to passing.
func (rc *Context) RevalidateChunk(chunkName string, step *config.Step) (passed, failed int, err error) {
	chunk := journal.NewChunk(rc.RunDir, chunkName)
	mchunk := rc.Manifest.Chunks[chunkName]
	if mchunk == nil {
		return 0, 0, fmt.Errorf("chunk %s not in manifest", chunkName)
	}

	results, err := jsonl.Load(chunk.ResultsPath(step.Name))
	if err != nil {
		return 0, 0, err
	}
	if len(results) == 0 {
		return 0, 0, nil
	}

	schema, err := rc.stepSchema(step)
	if err != nil {
		return 0, 0, err
	}

	merged, err := rc.MergedUnits(chunk, step.Name)
	if err != nil {
		return 0, 0, err
	}
	byID := recordsByID(merged)

	// The journals are rewritten wholesale; keep only the latest result
	// per unit so a retried unit settles on its final attempt.
	latest := make(map[string]jsonl.Record, len(results))
	var order []string
	for _, result := range results {
		id, _ := result[units.IDField].(string)
		if id == "" {
			continue
		}
		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		latest[id] = result
	}

	var validatedRecords, failureRecords []jsonl.Record
	for _, id := range order {
		result := latest[id]
		content, _ := result["content"].(string)
		meta, _ := result["_metadata"].(map[string]any)
		retryCount := 0
		if meta != nil {
			switch n := meta["retry_count"].(type) {
			case int:
				retryCount = n
			case float64:
				retryCount = int(n)
			}
		}

		if apiErr, _ := result["error"].(string); apiErr != "" {
			failureRecords = append(failureRecords, failureRecord(id, validator.StageAPI,
				[]validator.Error{{Message: apiErr}}, retryCount, content))
			continue
		}

		parsed := jsonl.ParseResponse(content)
		if parsed == nil {
			failureRecords = append(failureRecords, failureRecord(id, validator.StageParse,
				[]validator.Error{{Message: "response could not be parsed as JSON"}}, retryCount, content))
			continue
		}

		unit := byID[id]
		outcome := validator.Validate(parsed, schema, step.Rules(), newUnitRNG(unit, rc.Config.Processing.Seed))
		if !outcome.OK {
			failureRecords = append(failureRecords, failureRecord(id, outcome.Stage, outcome.Errors, retryCount, content))
			continue
		}

		record := jsonl.Record{}
		for key, value := range unit {
			record[key] = value
		}
		for key, value := range parsed {
			record[key] = value
		}
		record[units.IDField] = id
		record["_metadata"] = meta
		validatedRecords = append(validatedRecords, record)
	}

	if err := jsonl.Write(chunk.ValidatedPath(step.Name), validatedRecords); err != nil {
		return 0, 0, err
	}
	if err := jsonl.Write(chunk.FailuresPath(step.Name), failureRecords); err != nil {
		return 0, 0, err
	}

	rc.Log.Logf(runlog.LevelValidate, "revalidate %s %s: %d passed, %d failed",
		chunkName, step.Name, len(validatedRecords), len(failureRecords))
	return len(validatedRecords), len(failureRecords), nil
}

func failureRecord(unitID, stage string, errs []validator.Error, retryCount int, rawText string) jsonl.Record {
	record := jsonl.Record{
		units.IDField:   unitID,
		"failure_stage": stage,
		"errors":        errs,
		"retry_count":   retryCount,
	}
	if rawText != "" {
		record["raw_text"] = rawText
	}
	return record
}
