package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/runlog"
)

// Status returns the current summary, applying status auto-correction: a
// run whose chunks are all terminal but whose stored status lags is
// corrected on disk with an [AUTO-FIX] log line. No chunk data changes.
func (o *Orchestrator) Status() (*manifest.Summary, error) {
	m, err := o.Store.Load(o.RunDir)
	if err != nil {
		return nil, err
	}
	if manifest.AutoCorrect(m) {
		o.Log.Logf(runlog.LevelAutoFix, "status corrected to %s from chunk states", m.Status)
		if err := o.Store.SaveWithRetry(o.RunDir, m); err != nil {
			return nil, err
		}
	}
	return o.Store.BuildSummary(m), nil
}

// RetryFailures resets every FAILED chunk and every chunk with hard-failed
// units back to its step's PENDING state: failure journals are rewritten
// (with the `.bak` sentinel left behind), counters drop, and the run
// status returns to running. A subsequent tick re-drives the reset units.
func (o *Orchestrator) RetryFailures() (int, error) {
	m, err := o.Store.Load(o.RunDir)
	if err != nil {
		return 0, err
	}

	chunkSteps := o.Config.ChunkScopeSteps()
	resetChunks := 0

	for _, chunkName := range m.ChunkNames() {
		mchunk := m.Chunks[chunkName]
		chunk := journal.NewChunk(o.RunDir, chunkName)

		var stepName string
		switch mchunk.State {
		case manifest.ChunkFailed, manifest.ChunkValidated:
			if mchunk.State == manifest.ChunkValidated && mchunk.Failed == 0 {
				continue
			}
			// Find the furthest step with failures on disk; that is where
			// the chunk stopped (or hard-failed units accumulated).
			for i := len(chunkSteps) - 1; i >= 0; i-- {
				counts, err := chunk.RetryCounts(chunkSteps[i].Name)
				if err == nil && len(counts) > 0 {
					stepName = chunkSteps[i].Name
					break
				}
			}
			if stepName == "" {
				if mchunk.State == manifest.ChunkValidated {
					continue
				}
				stepName = chunkSteps[0].Name
			}
		default:
			step, _, ok := manifest.SplitState(mchunk.State)
			if !ok {
				continue
			}
			if mchunk.Failed == 0 {
				continue
			}
			stepName = step
		}

		dropped, err := chunk.ResetFailures(stepName, nil)
		if err != nil {
			return resetChunks, fmt.Errorf("reset %s %s: %w", chunkName, stepName, err)
		}
		if dropped == 0 && mchunk.State != manifest.ChunkFailed {
			continue
		}

		mchunk.State = manifest.PendingState(stepName)
		mchunk.Failed = 0
		mchunk.Retries = 0
		mchunk.BatchID = ""
		mchunk.SubmittedAt = ""
		resetChunks++
		o.Log.Logf(runlog.LevelState, "%s reset to %s (%d failure records dropped)",
			chunkName, mchunk.State, dropped)
	}

	if resetChunks > 0 {
		m.Status = manifest.StatusRunning
		m.ErrorMessage = ""
		m.FailedAt = ""
		m.CompletedAt = ""
	}
	if err := o.Store.SaveWithRetry(o.RunDir, m); err != nil {
		return resetChunks, err
	}
	return resetChunks, nil
}

// Revalidate re-runs validation for one step across all chunks from the
// collected results journals, without provider calls. Safe and idempotent
// on a complete run.
func (o *Orchestrator) Revalidate(stepName string) (passed, failed int, err error) {
	m, err := o.Store.Load(o.RunDir)
	if err != nil {
		return 0, 0, err
	}
	step := o.Config.StepByName(stepName)
	if step == nil {
		return 0, 0, fmt.Errorf("unknown step %q", stepName)
	}

	rc := o.runnerContext(m)
	for _, chunkName := range m.ChunkNames() {
		p, f, err := rc.RevalidateChunk(chunkName, step)
		if err != nil {
			return passed, failed, err
		}
		passed += p
		failed += f

		// Refresh counters from the rewritten journals.
		chunk := journal.NewChunk(o.RunDir, chunkName)
		records, err := chunk.LoadUnits()
		if err != nil {
			continue
		}
		validated, err := chunk.LoadValidated(stepName)
		if err != nil {
			continue
		}
		hard, err := chunk.HardFailed(stepName, o.Config.API.MaxRetries)
		if err != nil {
			continue
		}
		valid, failedCount := 0, 0
		for _, id := range journal.UnitIDs(records) {
			if _, ok := validated[id]; ok {
				valid++
			} else if hard[id] {
				failedCount++
			}
		}
		mchunk := m.Chunks[chunkName]
		mchunk.Valid = valid
		mchunk.Failed = failedCount
	}

	return passed, failed, o.Store.SaveWithRetry(o.RunDir, m)
}

// Cancel cancels every in-flight provider batch and marks the run killed.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	m, err := o.Store.Load(o.RunDir)
	if err != nil {
		return err
	}

	for _, chunkName := range m.ChunkNames() {
		mchunk := m.Chunks[chunkName]
		if mchunk.BatchID == "" {
			continue
		}
		stepName, _, ok := manifest.SplitState(mchunk.State)
		if !ok {
			continue
		}
		step := o.Config.StepByName(stepName)
		prov, err := o.resolveProvider(step)
		if err != nil {
			o.Log.Logf(runlog.LevelError, "cancel %s: %v", chunkName, err)
			continue
		}
		cancelled, err := prov.CancelBatch(ctx, mchunk.BatchID)
		if err != nil {
			o.Log.Logf(runlog.LevelError, "cancel %s batch %s: %v", chunkName, mchunk.BatchID, err)
			continue
		}
		if cancelled {
			o.Log.Logf(runlog.LevelState, "%s batch %s cancelled", chunkName, mchunk.BatchID)
		}
	}

	return o.MarkKilled()
}

// MarkFailed records an operator decision that the run has failed.
func (o *Orchestrator) MarkFailed(message string) error {
	m, err := o.Store.Load(o.RunDir)
	if err != nil {
		return err
	}
	if message == "" {
		message = "marked as failed by operator"
	}
	o.markFailed(m, message)
	return nil
}

// MarkKilled records that the run was killed.
func (o *Orchestrator) MarkKilled() error {
	m, err := o.Store.Load(o.RunDir)
	if err != nil {
		return err
	}
	m.Status = manifest.StatusKilled
	if m.KilledAt == "" {
		m.KilledAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	}
	o.Log.Log(runlog.LevelState, "run killed")
	return o.Store.SaveWithRetry(o.RunDir, m)
}
