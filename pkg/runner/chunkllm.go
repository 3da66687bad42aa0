package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/provider"
	"github.com/chunkflow/chunkflow/pkg/runlog"
	"github.com/chunkflow/chunkflow/pkg/units"
	"github.com/chunkflow/chunkflow/pkg/validator"
)

// SubmitChunk drives a chunk-LLM step's batch submit path: render prompts,
// write the provider-formatted input file, upload, create the batch, and
// record {step}_SUBMITTED on the chunk. Control then returns to the
// orchestrator loop, which polls later.
func (rc *Context) SubmitChunk(ctx context.Context, chunkName string, step *config.Step) error {
	chunk := journal.NewChunk(rc.RunDir, chunkName)
	mchunk := rc.Manifest.Chunks[chunkName]
	if mchunk == nil {
		return fmt.Errorf("chunk %s not in manifest", chunkName)
	}

	done, err := rc.stepAlreadyDone(chunk, step)
	if err != nil {
		return err
	}
	if done {
		rc.Log.Logf(runlog.LevelSubmit, "%s %s already complete on disk, skipping submit", chunkName, step.Name)
		return rc.advanceChunk(chunk, mchunk, step)
	}

	prompts, err := rc.renderPrompts(chunk, step)
	if err != nil {
		return err
	}

	schema, err := rc.stepSchema(step)
	if err != nil {
		return err
	}
	providerSchema := config.ProviderSchema(schema)

	prov, err := rc.Provider(step)
	if err != nil {
		return err
	}

	// Units whose prompts rendered empty never reach the provider; they
	// fail as parse-category records immediately.
	var submittable []Prompt
	for _, prompt := range prompts {
		if prompt.Text == "" {
			if err := rc.recordFailure(chunk, step, prompt.UnitID, validator.StageParse,
				[]validator.Error{{Message: "rendered prompt is empty"}}, prompt.RetryCount, "", ""); err != nil {
				return err
			}
			continue
		}
		submittable = append(submittable, prompt)
	}

	if len(submittable) == 0 {
		// Nothing to send; the step may already be decidable from disk.
		return rc.finalizeStep(chunk, mchunk, step)
	}

	var lines []jsonl.Record
	for _, prompt := range submittable {
		line, err := prov.FormatBatchRequest(prompt.UnitID, prompt.Text, providerSchema)
		if err != nil {
			return fmt.Errorf("format batch request: %w", err)
		}
		lines = append(lines, line)
	}
	if err := jsonl.Write(chunk.InputPath(step.Name), lines); err != nil {
		return err
	}

	start := time.Now()
	fileID, err := prov.UploadBatchFile(ctx, chunk.InputPath(step.Name))
	if err != nil {
		return err
	}
	rc.Log.TraceBatch(prov.Name(), chunkName, "upload", time.Since(start), fileID)

	start = time.Now()
	batchID, err := prov.CreateBatch(ctx, fileID)
	if err != nil {
		return err
	}
	rc.Log.TraceBatch(prov.Name(), chunkName, "create", time.Since(start), batchID)

	mchunk.State = manifest.SubmittedState(step.Name)
	mchunk.BatchID = batchID
	mchunk.SubmittedAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	rc.Log.Logf(runlog.LevelSubmit, "%s %s submitted %d units as %s", chunkName, step.Name, len(submittable), batchID)
	return rc.SaveManifest()
}

// CollectChunk downloads a completed batch, validates every result, and
// settles the chunk's step.
func (rc *Context) CollectChunk(ctx context.Context, chunkName string, step *config.Step) error {
	chunk := journal.NewChunk(rc.RunDir, chunkName)
	mchunk := rc.Manifest.Chunks[chunkName]
	if mchunk == nil {
		return fmt.Errorf("chunk %s not in manifest", chunkName)
	}
	if mchunk.BatchID == "" {
		return fmt.Errorf("chunk %s has no batch id to collect", chunkName)
	}

	prov, err := rc.Provider(step)
	if err != nil {
		return err
	}

	start := time.Now()
	results, meta, err := prov.DownloadBatchResults(ctx, mchunk.BatchID)
	if err != nil {
		return err
	}
	rc.Log.TraceBatch(prov.Name(), chunkName, "download", time.Since(start), fmt.Sprintf("%d results", len(results)))

	retryCounts, err := promptRetryCounts(chunk, step.Name)
	if err != nil {
		return err
	}
	prompts, err := jsonl.LoadByID(chunk.PromptsPath(step.Name), units.IDField)
	if err != nil {
		return err
	}

	schema, err := rc.stepSchema(step)
	if err != nil {
		return err
	}

	merged, err := rc.MergedUnits(chunk, step.Name)
	if err != nil {
		return err
	}
	byID := recordsByID(merged)

	for _, result := range results {
		retryCount := retryCounts[result.UnitID]
		promptText := ""
		if prompt, ok := prompts[result.UnitID]; ok {
			promptText, _ = prompt["prompt"].(string)
		}

		// Raw result first; the results journal is the revalidation input.
		raw := jsonl.Record{
			units.IDField: result.UnitID,
			"content":     result.Content,
			"_metadata": map[string]any{
				"input_tokens":  result.InputTokens,
				"output_tokens": result.OutputTokens,
				"model":         meta.Model,
				"retry_count":   retryCount,
			},
		}
		if result.Error != "" {
			raw["error"] = result.Error
		}
		if err := jsonl.Append(chunk.ResultsPath(step.Name), raw); err != nil {
			return err
		}

		rc.accountTokens(result.InputTokens, result.OutputTokens, retryCount)

		if result.Error != "" {
			if err := rc.recordFailure(chunk, step, result.UnitID, validator.StageAPI,
				[]validator.Error{{Message: result.Error}}, retryCount, result.Content, promptText); err != nil {
				return err
			}
			continue
		}
		if err := rc.settleResult(chunk, step, schema, byID[result.UnitID], result.UnitID,
			result.Content, result.InputTokens, result.OutputTokens, meta.Model, retryCount, promptText); err != nil {
			return err
		}
	}

	// Sent units with no result line (dropped or undecodable) fail as parse.
	seen := make(map[string]bool, len(results))
	for _, result := range results {
		seen[result.UnitID] = true
	}
	for _, id := range journal.UnitIDs(merged) {
		promptText, _ := prompts[id]["prompt"].(string)
		if promptText == "" || seen[id] {
			continue
		}
		if err := rc.recordFailure(chunk, step, id, validator.StageParse,
			[]validator.Error{{Message: "no decodable result line in batch output"}}, retryCounts[id], "", promptText); err != nil {
			return err
		}
	}

	mchunk.Retries++
	mchunk.BatchID = ""
	mchunk.SubmittedAt = ""
	return rc.finalizeStep(chunk, mchunk, step)
}

// RunChunkRealtime drives a chunk-LLM step synchronously, one unit at a
// time, retrying validation failures in subsequent passes until every unit
// settles or its retries are exhausted.
func (rc *Context) RunChunkRealtime(ctx context.Context, chunkName string, step *config.Step) error {
	chunk := journal.NewChunk(rc.RunDir, chunkName)
	mchunk := rc.Manifest.Chunks[chunkName]
	if mchunk == nil {
		return fmt.Errorf("chunk %s not in manifest", chunkName)
	}

	done, err := rc.stepAlreadyDone(chunk, step)
	if err != nil {
		return err
	}
	if done {
		return rc.advanceChunk(chunk, mchunk, step)
	}

	schema, err := rc.stepSchema(step)
	if err != nil {
		return err
	}
	providerSchema := config.ProviderSchema(schema)

	prov, err := rc.Provider(step)
	if err != nil {
		return err
	}
	delay := time.Duration(rc.Config.API.DelayBetweenCalls * float64(time.Second))

	// Each pass re-renders prompts for units still pending; validation
	// failures from the previous pass come back with retry_count+1 until
	// the budget runs out.
	for pass := 0; pass <= rc.maxRetries(); pass++ {
		prompts, err := rc.renderPrompts(chunk, step)
		if err != nil {
			return err
		}
		if len(prompts) == 0 {
			break
		}

		merged, err := rc.MergedUnits(chunk, step.Name)
		if err != nil {
			return err
		}
		byID := recordsByID(merged)

		for i, prompt := range prompts {
			if err := ctx.Err(); err != nil {
				return err
			}
			if i > 0 && delay > 0 {
				time.Sleep(delay)
			}

			if prompt.Text == "" {
				if err := rc.recordFailure(chunk, step, prompt.UnitID, validator.StageParse,
					[]validator.Error{{Message: "rendered prompt is empty"}}, prompt.RetryCount, "", ""); err != nil {
					return err
				}
				continue
			}

			start := time.Now()
			result, callErr := rc.callRealtime(ctx, prov, prompt.Text, providerSchema)
			duration := time.Since(start)

			if callErr != nil {
				if provider.IsAuth(callErr) {
					rc.Log.TraceCall(prov.Name(), chunkName, prompt.UnitID, duration, "AUTH")
					return callErr
				}
				rc.Log.TraceCall(prov.Name(), chunkName, prompt.UnitID, duration, "ERROR")
				if err := rc.recordFailure(chunk, step, prompt.UnitID, validator.StageAPI,
					[]validator.Error{{Message: callErr.Error()}}, prompt.RetryCount, "", prompt.Text); err != nil {
					return err
				}
				continue
			}
			rc.Log.TraceCall(prov.Name(), chunkName, prompt.UnitID, duration, "200")

			raw := jsonl.Record{
				units.IDField: prompt.UnitID,
				"content":     result.Content,
				"_metadata": map[string]any{
					"input_tokens":  result.InputTokens,
					"output_tokens": result.OutputTokens,
					"model":         prov.Model(),
					"finish_reason": result.FinishReason,
					"retry_count":   prompt.RetryCount,
				},
			}
			if err := jsonl.Append(chunk.ResultsPath(step.Name), raw); err != nil {
				return err
			}
			rc.accountTokens(result.InputTokens, result.OutputTokens, prompt.RetryCount)

			if err := rc.settleResult(chunk, step, schema, byID[prompt.UnitID], prompt.UnitID,
				result.Content, result.InputTokens, result.OutputTokens, prov.Model(), prompt.RetryCount, prompt.Text); err != nil {
				return err
			}
		}

		rc.refreshCounts(chunk, mchunk, step)
		if err := rc.SaveManifest(); err != nil {
			return err
		}
	}

	return rc.finalizeStep(chunk, mchunk, step)
}

// callRealtime wraps one synchronous call with the transient-failure
// backoff policy.
func (rc *Context) callRealtime(ctx context.Context, prov provider.Provider, prompt string, schema map[string]any) (*provider.RealtimeResult, error) {
	retryCfg := provider.RetryConfig{
		MaxAttempts:       rc.Config.API.Retry.MaxAttempts,
		InitialDelay:      rc.Config.API.Retry.InitialDelaySeconds,
		BackoffMultiplier: rc.Config.API.Retry.BackoffMultiplier,
	}
	var result *provider.RealtimeResult
	err := provider.RetryTransient(ctx, retryCfg, func() error {
		r, err := prov.GenerateRealtime(ctx, prompt, schema)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// settleResult parses, validates, and journals one provider result.
func (rc *Context) settleResult(chunk *journal.Chunk, step *config.Step, schema *validator.Schema,
	unit jsonl.Record, unitID, content string, inputTokens, outputTokens int, model string,
	retryCount int, promptText string) error {

	parsed := jsonl.ParseResponse(content)
	if parsed == nil {
		return rc.recordFailure(chunk, step, unitID, validator.StageParse,
			[]validator.Error{{Message: "response could not be parsed as JSON"}}, retryCount, content, promptText)
	}

	rng := rc.unitRNG(unit)
	result := validator.Validate(parsed, schema, step.Rules(), rng)
	if !result.OK {
		return rc.recordFailure(chunk, step, unitID, result.Stage, result.Errors, retryCount, content, promptText)
	}

	record := jsonl.Record{}
	for key, value := range unit {
		record[key] = value
	}
	for key, value := range parsed {
		record[key] = value
	}
	record[units.IDField] = unitID
	record["_metadata"] = map[string]any{
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"model":         model,
		"retry_count":   retryCount,
	}
	if err := chunk.AppendValidated(step.Name, record); err != nil {
		return err
	}
	rc.Log.Logf(runlog.LevelValidate, "%s %s %s passed", chunk.Name, step.Name, unitID)
	return nil
}

// recordFailure appends one categorised failure record.
func (rc *Context) recordFailure(chunk *journal.Chunk, step *config.Step, unitID, stage string,
	errs []validator.Error, retryCount int, rawText, promptText string) error {

	record := jsonl.Record{
		units.IDField:   unitID,
		"failure_stage": stage,
		"errors":        errs,
		"retry_count":   retryCount,
	}
	if rawText != "" {
		record["raw_text"] = rawText
	}
	if promptText != "" {
		record["input"] = promptText
	}
	if err := chunk.AppendFailure(step.Name, record); err != nil {
		return err
	}
	rc.Log.Logf(runlog.LevelValidate, "%s %s %s failed (%s, retry %d)", chunk.Name, step.Name, unitID, stage, retryCount)
	return nil
}

// finalizeStep decides whether the step is complete for the chunk: every
// unit has either a validated record or an exhausted failure. Complete
// chunks advance to the next step's PENDING state (or VALIDATED); chunks
// with retry-eligible units drop back to PENDING for the next tick.
func (rc *Context) finalizeStep(chunk *journal.Chunk, mchunk *manifest.Chunk, step *config.Step) error {
	unitIDs, validated, hardFailed, err := rc.stepAccounting(chunk, step)
	if err != nil {
		return err
	}

	rc.refreshCountsFrom(mchunk, unitIDs, validated, hardFailed)

	settled := 0
	for _, id := range unitIDs {
		if _, ok := validated[id]; ok {
			settled++
		} else if hardFailed[id] {
			settled++
		}
	}

	if settled == len(unitIDs) {
		chunk.ClearSentinel(step.Name)
		return rc.advanceChunk(chunk, mchunk, step)
	}

	mchunk.State = manifest.PendingState(step.Name)
	rc.Log.Logf(runlog.LevelProgress, "%s %s settled %d/%d units, retrying remainder next tick",
		chunk.Name, step.Name, settled, len(unitIDs))
	return rc.SaveManifest()
}

// advanceChunk moves the chunk to the next step's PENDING state, or
// VALIDATED after the last step.
func (rc *Context) advanceChunk(chunk *journal.Chunk, mchunk *manifest.Chunk, step *config.Step) error {
	next, err := rc.Manifest.NextState(step.Name)
	if err != nil {
		return err
	}
	mchunk.State = next
	rc.Log.Logf(runlog.LevelState, "%s -> %s", chunk.Name, next)
	return rc.SaveManifest()
}

// stepAlreadyDone applies the journal replay rule for idempotent resume.
func (rc *Context) stepAlreadyDone(chunk *journal.Chunk, step *config.Step) (bool, error) {
	records, err := chunk.LoadUnits()
	if err != nil {
		return false, err
	}
	return chunk.StepDone(step.Name, journal.UnitIDs(records), rc.resolveThreshold())
}

// stepAccounting loads the unit ids, validated set, and hard-failed set
// for a step.
func (rc *Context) stepAccounting(chunk *journal.Chunk, step *config.Step) ([]string, map[string]jsonl.Record, map[string]bool, error) {
	records, err := chunk.LoadUnits()
	if err != nil {
		return nil, nil, nil, err
	}
	unitIDs := journal.UnitIDs(records)
	validated, err := chunk.LoadValidated(step.Name)
	if err != nil {
		return nil, nil, nil, err
	}
	hardFailed, err := chunk.HardFailed(step.Name, rc.maxRetries())
	if err != nil {
		return nil, nil, nil, err
	}
	return unitIDs, validated, hardFailed, nil
}

// refreshCounts recomputes the chunk's valid/failed counters from disk.
func (rc *Context) refreshCounts(chunk *journal.Chunk, mchunk *manifest.Chunk, step *config.Step) {
	unitIDs, validated, hardFailed, err := rc.stepAccounting(chunk, step)
	if err != nil {
		return
	}
	rc.refreshCountsFrom(mchunk, unitIDs, validated, hardFailed)
}

func (rc *Context) refreshCountsFrom(mchunk *manifest.Chunk, unitIDs []string,
	validated map[string]jsonl.Record, hardFailed map[string]bool) {
	valid, failed := 0, 0
	for _, id := range unitIDs {
		if _, ok := validated[id]; ok {
			valid++
		} else if hardFailed[id] {
			failed++
		}
	}
	mchunk.Valid = valid
	mchunk.Failed = failed
}

// accountTokens adds a call's usage to the run counters, split by whether
// the unit was on its first attempt.
func (rc *Context) accountTokens(inputTokens, outputTokens, retryCount int) {
	md := &rc.Manifest.Metadata
	if retryCount > 0 {
		md.RetryInputTokens += inputTokens
		md.RetryOutputTokens += outputTokens
	} else {
		md.InitialInputTokens += inputTokens
		md.InitialOutputTokens += outputTokens
	}
}

// stepSchema loads the step's output schema, if any.
func (rc *Context) stepSchema(step *config.Step) (*validator.Schema, error) {
	if step.Schema == "" {
		return nil, nil
	}
	return config.LoadSchema(rc.Config.SchemaPath(step))
}

// unitRNG seeds a deterministic generator from the unit's repetition seed.
func (rc *Context) unitRNG(unit jsonl.Record) *exprsRandom {
	return newUnitRNG(unit, rc.Config.Processing.Seed)
}

// promptRetryCounts reads back the retry counts stamped into the prompts
// journal at submit time.
func promptRetryCounts(chunk *journal.Chunk, step string) (map[string]int, error) {
	prompts, err := jsonl.Load(chunk.PromptsPath(step))
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(prompts))
	for _, prompt := range prompts {
		id, _ := prompt[units.IDField].(string)
		if id == "" {
			continue
		}
		switch n := prompt["retry_count"].(type) {
		case int:
			counts[id] = n
		case float64:
			counts[id] = int(n)
		}
	}
	return counts, nil
}

func recordsByID(records []jsonl.Record) map[string]jsonl.Record {
	byID := make(map[string]jsonl.Record, len(records))
	for _, record := range records {
		if id, ok := record[units.IDField].(string); ok {
			byID[id] = record
		}
	}
	return byID
}
