package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/provider"
	"github.com/chunkflow/chunkflow/pkg/runlog"
	"github.com/chunkflow/chunkflow/pkg/runner"
)

// Tick advances the batch state machine by one pass over the chunks:
// pending chunks submit (bounded by the in-flight cap), submitted chunks
// poll and collect, completed steps advance. Returns done=true once the
// run has reached a terminal status.
func (o *Orchestrator) Tick(ctx context.Context) (done bool, err error) {
	m, err := o.Store.Load(o.RunDir)
	if err != nil {
		return false, err
	}
	if manifest.IsTerminalStatus(m.Status) {
		return true, nil
	}

	if m.Status == manifest.StatusPending || m.Status == manifest.StatusPaused {
		m.Status = manifest.StatusRunning
		m.PausedAt = ""
		if err := o.Store.SaveWithRetry(o.RunDir, m); err != nil {
			return false, err
		}
	}

	rc := o.runnerContext(m)
	o.Log.Logf(runlog.LevelTick, "tick: %d chunks, %d%% complete", len(m.Chunks), manifest.Progress(m))

	inflight := o.countInflight(m)
	maxInflight := o.Config.Processing.MaxInflightBatches

	for _, chunkName := range m.ChunkNames() {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		mchunk := m.Chunks[chunkName]
		if manifest.IsTerminalChunk(mchunk.State) {
			continue
		}

		stepName, suffix, ok := manifest.SplitState(mchunk.State)
		if !ok {
			// Corrupt state string: fail the chunk, keep the run moving.
			o.Log.Logf(runlog.LevelError, "%s has corrupt state %q, marking FAILED", chunkName, mchunk.State)
			mchunk.State = manifest.ChunkFailed
			if err := o.Store.SaveWithRetry(o.RunDir, m); err != nil {
				return false, err
			}
			continue
		}
		step := o.Config.StepByName(stepName)
		if step == nil {
			o.Log.Logf(runlog.LevelError, "%s references unknown step %q, marking FAILED", chunkName, stepName)
			mchunk.State = manifest.ChunkFailed
			if err := o.Store.SaveWithRetry(o.RunDir, m); err != nil {
				return false, err
			}
			continue
		}

		switch suffix {
		case "PENDING":
			if step.EffectiveScope() == config.ScopeExpression {
				if err := rc.RunChunkExpression(chunkName, step, false); err != nil {
					return false, o.failOrPropagate(m, err)
				}
				continue
			}
			if inflight >= maxInflight {
				continue // deferred to the next tick
			}
			if err := rc.SubmitChunk(ctx, chunkName, step); err != nil {
				return false, o.failOrPropagate(m, err)
			}
			if mchunk.BatchID != "" {
				inflight++
			}
		case "SUBMITTED":
			if err := o.pollChunk(ctx, rc, chunkName, step); err != nil {
				return false, o.failOrPropagate(m, err)
			}
			if manifest.IsTerminalChunk(m.Chunks[chunkName].State) || mchunk.BatchID == "" {
				inflight--
			}
		}
	}

	return o.settleRun(ctx, rc, m)
}

// pollChunk polls a submitted chunk's batch and collects on completion.
func (o *Orchestrator) pollChunk(ctx context.Context, rc *runner.Context, chunkName string, step *config.Step) error {
	m := rc.Manifest
	mchunk := m.Chunks[chunkName]

	prov, err := o.resolveProvider(step)
	if err != nil {
		return err
	}
	start := time.Now()
	info, err := prov.GetBatchStatus(ctx, mchunk.BatchID)
	if err != nil {
		if provider.IsAuth(err) {
			return err
		}
		// Transient poll failures leave the chunk submitted for the next
		// tick.
		o.Log.Logf(runlog.LevelPoll, "%s %s poll failed: %v", chunkName, step.Name, err)
		return nil
	}
	o.Log.TraceBatch(prov.Name(), chunkName, "poll", time.Since(start), string(info.Status))
	o.Log.Logf(runlog.LevelPoll, "%s %s batch %s: %s %s", chunkName, step.Name, mchunk.BatchID, info.Status, info.Progress)

	switch info.Status {
	case provider.BatchCompleted:
		o.Log.Logf(runlog.LevelCollect, "%s %s collecting batch %s", chunkName, step.Name, mchunk.BatchID)
		return rc.CollectChunk(ctx, chunkName, step)
	case provider.BatchFailed, provider.BatchCancelled:
		o.Log.Logf(runlog.LevelError, "%s %s batch %s %s: %s", chunkName, step.Name, mchunk.BatchID, info.Status, info.Error)
		mchunk.State = manifest.ChunkFailed
		mchunk.BatchID = ""
		return o.Store.SaveWithRetry(o.RunDir, m)
	default:
		return nil // still pending/running
	}
}

// settleRun finishes the tick: when every chunk is terminal, run-scope
// steps execute and the final status lands.
func (o *Orchestrator) settleRun(ctx context.Context, rc *runner.Context, m *manifest.Manifest) (bool, error) {
	if !m.AllChunksTerminal() && len(m.Chunks) > 0 {
		return false, nil
	}

	anyFailed := false
	for _, chunk := range m.Chunks {
		if chunk.State == manifest.ChunkFailed {
			anyFailed = true
			break
		}
	}

	if !anyFailed {
		for _, step := range o.Config.RunScopeSteps() {
			if o.runScopeDone(step.Name) {
				continue
			}
			if err := rc.RunScope(ctx, &step, o); err != nil {
				o.markFailed(m, fmt.Sprintf("run-scope step %s failed: %v", step.Name, err))
				return true, err
			}
		}
	}

	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	if anyFailed {
		m.Status = manifest.StatusFailed
		if m.FailedAt == "" {
			m.FailedAt = now
		}
	} else {
		m.Status = manifest.StatusComplete
		if m.CompletedAt == "" {
			m.CompletedAt = now
		}
	}
	if err := o.Store.SaveWithRetry(o.RunDir, m); err != nil {
		return false, err
	}
	o.Log.Logf(runlog.LevelState, "run %s", m.Status)
	return true, nil
}

// failOrPropagate converts fatal provider errors into a failed run; other
// errors propagate for the caller to retry next tick.
func (o *Orchestrator) failOrPropagate(m *manifest.Manifest, err error) error {
	if provider.IsAuth(err) {
		o.markFailed(m, err.Error())
	}
	return err
}

// countInflight counts chunks currently in a SUBMITTED state.
func (o *Orchestrator) countInflight(m *manifest.Manifest) int {
	count := 0
	for _, chunk := range m.Chunks {
		if _, suffix, ok := manifest.SplitState(chunk.State); ok && suffix == "SUBMITTED" {
			count++
		}
	}
	return count
}

// runScopeDone reports whether a run-scope step has already produced its
// log artefact, making re-runs after resume idempotent.
func (o *Orchestrator) runScopeDone(stepName string) bool {
	_, err := os.Stat(filepath.Join(o.RunDir, "outputs", stepName+".log"))
	return err == nil
}
