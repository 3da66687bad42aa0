package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/provider"
	"github.com/chunkflow/chunkflow/pkg/runlog"
)

// Realtime drives the run end-to-end with synchronous per-unit calls,
// skipping the batch state machine. Chunk-LLM and expression steps
// interleave naturally in pipeline order; each chunk runs to completion
// before the next starts.
func (o *Orchestrator) Realtime(ctx context.Context) error {
	if err := ClaimRun(o.RunDir); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	interrupted := make(chan struct{})
	go func() {
		select {
		case sig := <-signals:
			o.Log.Logf(runlog.LevelRealtime, "received %s, pausing run", sig)
			close(interrupted)
			cancel()
		case <-ctx.Done():
		}
	}()

	m, err := o.Store.Load(o.RunDir)
	if err != nil {
		return err
	}
	if manifest.IsTerminalStatus(m.Status) {
		return nil
	}
	m.Status = manifest.StatusRunning
	m.PausedAt = ""
	m.Metadata.Mode = config.ModeRealtime
	if err := o.Store.SaveWithRetry(o.RunDir, m); err != nil {
		return err
	}

	rc := o.runnerContext(m)
	o.Log.Log(runlog.LevelRealtime, "realtime run started")

	for _, chunkName := range m.ChunkNames() {
		mchunk := m.Chunks[chunkName]
		for !manifest.IsTerminalChunk(mchunk.State) {
			select {
			case <-interrupted:
				return o.pauseOnInterrupt()
			default:
			}

			stepName, _, ok := manifest.SplitState(mchunk.State)
			if !ok {
				mchunk.State = manifest.ChunkFailed
				if err := o.Store.SaveWithRetry(o.RunDir, m); err != nil {
					return err
				}
				break
			}
			step := o.Config.StepByName(stepName)
			if step == nil {
				mchunk.State = manifest.ChunkFailed
				if err := o.Store.SaveWithRetry(o.RunDir, m); err != nil {
					return err
				}
				break
			}

			var stepErr error
			if step.EffectiveScope() == config.ScopeExpression {
				stepErr = rc.RunChunkExpression(chunkName, step, false)
			} else {
				stepErr = rc.RunChunkRealtime(ctx, chunkName, step)
			}
			if stepErr != nil {
				select {
				case <-interrupted:
					return o.pauseOnInterrupt()
				default:
				}
				if provider.IsAuth(stepErr) {
					o.markFailed(m, stepErr.Error())
				}
				return stepErr
			}
		}
	}

	_, err = o.settleRun(ctx, rc, m)
	return err
}
