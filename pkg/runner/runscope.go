package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/runlog"
)

// ChildTracker registers spawned subprocesses so the orchestrator's signal
// handler can terminate them before exiting.
type ChildTracker interface {
	Track(cmd *exec.Cmd)
	Untrack(cmd *exec.Cmd)
}

// RunScope executes a run-scope step: aggregate the last chunk step's
// validated records into outputs/, then run the step command against the
// run directory. Failure of a run-scope step marks the run failed; the
// orchestrator handles that on error return.
func (rc *Context) RunScope(ctx context.Context, step *config.Step, children ChildTracker) error {
	if !rc.Manifest.AllChunksTerminal() && len(rc.Manifest.Chunks) > 0 {
		return fmt.Errorf("run-scope step %s requires all chunks terminal", step.Name)
	}

	outputsDir := filepath.Join(rc.RunDir, "outputs")
	if err := os.MkdirAll(outputsDir, 0o755); err != nil {
		return err
	}

	aggregated, err := rc.aggregateResults()
	if err != nil {
		return err
	}
	aggregatePath := filepath.Join(outputsDir, "aggregated_results.jsonl")
	if err := jsonl.Write(aggregatePath, aggregated); err != nil {
		return err
	}

	if len(step.Command) == 0 {
		return fmt.Errorf("run-scope step %s has no command", step.Name)
	}

	timeout := time.Duration(rc.Config.API.SubprocessTimeoutSeconds) * time.Second
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logPath := filepath.Join(outputsDir, step.Name+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()

	cmd := exec.CommandContext(cmdCtx, step.Command[0], append(step.Command[1:], rc.RunDir)...)
	cmd.Dir = rc.RunDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if children != nil {
		children.Track(cmd)
		defer children.Untrack(cmd)
	}

	rc.Log.Logf(runlog.LevelState, "run-scope step %s starting: %v", step.Name, step.Command)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		rc.Log.Logf(runlog.LevelError, "run-scope step %s failed after %.1fs: %v", step.Name, time.Since(start).Seconds(), err)
		return fmt.Errorf("run-scope step %s: %w", step.Name, err)
	}
	rc.Log.Logf(runlog.LevelState, "run-scope step %s finished in %.1fs", step.Name, time.Since(start).Seconds())
	return nil
}

// aggregateResults collects the final chunk step's validated records
// across all chunks, in chunk order.
func (rc *Context) aggregateResults() ([]jsonl.Record, error) {
	chunkSteps := rc.Config.ChunkScopeSteps()
	if len(chunkSteps) == 0 {
		return nil, nil
	}
	lastStep := chunkSteps[len(chunkSteps)-1].Name

	var aggregated []jsonl.Record
	for _, chunkName := range rc.Manifest.ChunkNames() {
		if rc.Manifest.Chunks[chunkName].State != manifest.ChunkValidated {
			continue
		}
		chunk := journal.NewChunk(rc.RunDir, chunkName)
		records, err := jsonl.Load(chunk.ValidatedPath(lastStep))
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", chunkName, err)
		}
		aggregated = append(aggregated, records...)
	}
	return aggregated, nil
}
