package runner

import (
	"fmt"
	"strings"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/exprs"
	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/runlog"
	"github.com/chunkflow/chunkflow/pkg/units"
	"github.com/chunkflow/chunkflow/pkg/validator"
)

type exprsRandom = exprs.SeededRandom

// newUnitRNG derives a unit's deterministic generator from its repetition
// seed, falling back to the run seed.
func newUnitRNG(unit jsonl.Record, runSeed int64) *exprsRandom {
	seed := runSeed
	switch n := unit[units.RepetitionSeedField].(type) {
	case int:
		seed = int64(n)
	case int64:
		seed = n
	case float64:
		seed = int64(n)
	}
	return exprs.NewSeededRandom(seed)
}

// RunChunkExpression executes an expression step for every pending unit in
// a chunk. No provider is involved; each unit gets a fresh namespace
// seeded with its accumulated fields and deterministic randomness, the
// init block runs once, and the body iterates under loop_until bounded by
// max_iterations.
//
// diagnosticMode binds the failing name to 0 in the unit's namespace;
// evaluation does not resume after the failure, so no later expression
// runs. In both modes the unit is recorded as a validation failure with its
// retry budget spent, which terminates that unit immediately.
func (rc *Context) RunChunkExpression(chunkName string, step *config.Step, diagnosticMode bool) error {
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

	merged, err := rc.MergedUnits(chunk, step.Name)
	if err != nil {
		return err
	}
	unitIDs := journal.UnitIDs(merged)
	pending, err := chunk.PendingUnits(step.Name, unitIDs)
	if err != nil {
		return err
	}
	hardFailed, err := chunk.HardFailed(step.Name, rc.maxRetries())
	if err != nil {
		return err
	}
	byID := recordsByID(merged)

	for _, unitID := range pending {
		if hardFailed[unitID] {
			continue
		}
		unit := byID[unitID]
		if unit == nil {
			continue
		}
		if err := rc.runUnitExpression(chunk, step, unit, unitID, diagnosticMode); err != nil {
			return err
		}
	}

	rc.Log.Logf(runlog.LevelExpression, "%s %s evaluated %d units", chunkName, step.Name, len(pending))
	return rc.finalizeStep(chunk, mchunk, step)
}

func (rc *Context) runUnitExpression(chunk *journal.Chunk, step *config.Step,
	unit jsonl.Record, unitID string, diagnosticMode bool) error {

	namespace := make(map[string]any, len(unit)+2)
	for key, value := range unit {
		namespace[key] = value
	}
	namespace[units.IDField] = unitID

	rng := newUnitRNG(unit, rc.Config.Processing.Seed)

	spec := exprs.LoopSpec{
		Init:          step.Init,
		Body:          step.Expressions,
		Until:         step.LoopUntil,
		MaxIterations: step.MaxIterations,
	}

	iterations, err := exprs.RunLoop(spec, namespace, rng)
	if err != nil {
		failingName := extractFailingName(err, step)
		if diagnosticMode && failingName != "" {
			// Bind the fallback; evaluation does not resume after it.
			namespace[failingName] = 0
		}
		// Evaluation is deterministic per unit, so the failure is recorded
		// with the retry budget spent and the unit hard-fails.
		return rc.recordFailure(chunk, step, unitID, validator.StageValidation,
			[]validator.Error{{Path: failingName, Message: err.Error()}}, rc.maxRetries(), "", "")
	}

	record := jsonl.Record{}
	for key, value := range namespace {
		if strings.HasPrefix(key, "_") {
			continue
		}
		record[key] = value
	}
	record[units.IDField] = unitID
	record["_metadata"] = map[string]any{"iterations": iterations}

	return chunk.AppendValidated(step.Name, record)
}

// extractFailingName recovers which expression name failed from the
// error's wrapped context.
func extractFailingName(err error, step *config.Step) string {
	message := err.Error()
	for _, entry := range append(append([]exprs.Entry{}, step.Init...), step.Expressions...) {
		if strings.Contains(message, fmt.Sprintf("%q", entry.Name)) {
			return entry.Name
		}
	}
	return ""
}
