package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/runlog"
)

// WatchOptions tunes the watch loop.
type WatchOptions struct {
	// Interval between ticks; zero uses the manifest's poll_interval.
	Interval time.Duration
	// MaxCost stops the run (paused) once estimated cost exceeds it.
	// Zero means no limit.
	MaxCost float64
	// Timeout bounds the whole watch. Zero means no limit.
	Timeout time.Duration
}

// Watch runs repeated ticks until the run completes, the budget is
// exhausted, or a signal arrives. SIGINT/SIGTERM marks the run paused
// within SIGINTSaveTimeout and returns ErrInterrupted.
func (o *Orchestrator) Watch(ctx context.Context, opts WatchOptions) error {
	if err := ClaimRun(o.RunDir); err != nil {
		return err
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = time.Duration(o.Config.API.PollInterval) * time.Second
	}
	if interval <= 0 {
		interval = 30 * time.Second
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
			o.Log.Logf(runlog.LevelWatch, "received %s, pausing run", sig)
			close(interrupted)
			cancel()
		case <-ctx.Done():
		}
	}()

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	o.Log.Logf(runlog.LevelWatch, "watch started, interval %s", interval)
	for {
		select {
		case <-interrupted:
			return o.pauseOnInterrupt()
		default:
		}

		done, err := o.Tick(ctx)
		if err != nil {
			select {
			case <-interrupted:
				return o.pauseOnInterrupt()
			default:
			}
			return err
		}
		if done {
			return nil
		}

		if opts.MaxCost > 0 {
			if cost := o.currentCost(); cost > opts.MaxCost {
				o.Log.Logf(runlog.LevelWatch, "cost $%.4f exceeds budget $%.4f, pausing", cost, opts.MaxCost)
				return o.pause("cost budget exhausted")
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			o.Log.Logf(runlog.LevelWatch, "watch timeout reached, pausing")
			return o.pause("watch timeout reached")
		}

		select {
		case <-interrupted:
			return o.pauseOnInterrupt()
		case <-time.After(interval):
		}
	}
}

// pauseOnInterrupt saves the run as paused within the signal deadline.
func (o *Orchestrator) pauseOnInterrupt() error {
	o.terminateChildren()

	done := make(chan error, 1)
	go func() { done <- o.pause("") }()
	select {
	case <-done:
	case <-time.After(SIGINTSaveTimeout):
		o.Log.Logf(runlog.LevelError, "paused-save exceeded %s, exiting anyway", SIGINTSaveTimeout)
	}
	return ErrInterrupted
}

// pause marks a non-terminal run paused. Terminal statuses are never
// overwritten.
func (o *Orchestrator) pause(reason string) error {
	m, err := o.Store.Load(o.RunDir)
	if err != nil {
		return err
	}
	if manifest.IsTerminalStatus(m.Status) {
		return nil
	}
	m.Status = manifest.StatusPaused
	m.PausedAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	if reason != "" {
		o.Log.Logf(runlog.LevelState, "run paused: %s", reason)
	} else {
		o.Log.Log(runlog.LevelState, "run paused")
	}
	return o.Store.SaveWithRetry(o.RunDir, m)
}

// currentCost reads the summary cost after the latest save.
func (o *Orchestrator) currentCost() float64 {
	m, err := o.Store.Load(o.RunDir)
	if err != nil {
		return 0
	}
	return o.Store.BuildSummary(m).Cost
}

// Resume is Watch against an existing run; the name documents intent at
// call sites. Kill-and-resume relies on disk state only: submitted chunks
// keep polling their existing batch ids, and the journal replay rule
// prevents duplicate submissions.
func (o *Orchestrator) Resume(ctx context.Context, opts WatchOptions) error {
	if _, err := o.Store.Load(o.RunDir); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return o.Watch(ctx, opts)
}
