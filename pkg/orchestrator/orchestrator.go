// Package orchestrator is the top-level run controller: it owns the run
// directory, schedules chunks through pipeline steps, and enforces the
// single-writer discipline via the PID file. All state changes go through
// the manifest store and the chunk journals; the orchestrator itself keeps
// no authoritative state in memory.
package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/provider"
	"github.com/chunkflow/chunkflow/pkg/runlog"
	"github.com/chunkflow/chunkflow/pkg/runner"
)

// SIGINTSaveTimeout bounds the paused-save on interrupt; after it the
// process exits regardless.
const SIGINTSaveTimeout = 5 * time.Second

// ErrInterrupted reports that the run was paused by SIGINT/SIGTERM. The
// CLI maps it to exit code 130.
var ErrInterrupted = errors.New("interrupted")

// Orchestrator drives one run directory.
type Orchestrator struct {
	RunDir   string
	Config   *config.Config
	Store    *manifest.Store
	Log      *runlog.Logger
	Registry *provider.Registry

	// providers caches constructed clients by provider/model pair so
	// per-step overrides don't rebuild connections every tick.
	providersMu sync.Mutex
	providers   map[string]provider.Provider

	// children tracks spawned subprocesses for signal cleanup.
	childrenMu sync.Mutex
	children   []*exec.Cmd
}

// Open attaches to an existing run directory, loading its config snapshot
// and model registry.
func Open(runDir string) (*Orchestrator, error) {
	cfg, err := config.LoadSnapshot(runDir)
	if err != nil {
		return nil, fmt.Errorf("open run %s: %w", runDir, err)
	}
	return newOrchestrator(runDir, cfg)
}

func newOrchestrator(runDir string, cfg *config.Config) (*Orchestrator, error) {
	registry, err := provider.LoadRegistry(filepath.Join(cfg.Dir, "models.yaml"))
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		RunDir:    runDir,
		Config:    cfg,
		Log:       runlog.New(runDir),
		Registry:  registry,
		providers: make(map[string]provider.Provider),
	}
	o.Store = manifest.NewStore(registry.Rates)
	return o, nil
}

// runnerContext builds a runner context around a loaded manifest.
func (o *Orchestrator) runnerContext(m *manifest.Manifest) *runner.Context {
	return &runner.Context{
		RunDir:   o.RunDir,
		Config:   o.Config,
		Manifest: m,
		Store:    o.Store,
		Provider: o.resolveProvider,
		Log:      o.Log,
	}
}

// resolveProvider returns the provider for a step, honouring per-step
// provider/model overrides and caching clients.
func (o *Orchestrator) resolveProvider(step *config.Step) (provider.Provider, error) {
	if prov, ok := o.injectedProvider(); ok {
		return prov, nil
	}
	name := o.Config.API.Provider
	model := o.Config.API.Model
	if step != nil && step.Provider != "" {
		name = step.Provider
		model = "" // the override provider's default unless the step names one
	}
	if step != nil && step.Model != "" {
		model = step.Model
	}

	key := name + "/" + model
	o.providersMu.Lock()
	defer o.providersMu.Unlock()
	if cached, ok := o.providers[key]; ok {
		return cached, nil
	}
	prov, err := provider.New(provider.Settings{
		Provider:       name,
		Model:          model,
		MaxTokens:      o.Config.API.MaxTokens,
		TimeoutSeconds: o.Config.API.TimeoutSeconds,
		Retry: provider.RetryConfig{
			MaxAttempts:       o.Config.API.Retry.MaxAttempts,
			InitialDelay:      o.Config.API.Retry.InitialDelaySeconds,
			BackoffMultiplier: o.Config.API.Retry.BackoffMultiplier,
		},
		Registry: o.Registry,
	})
	if err != nil {
		return nil, err
	}
	o.providers[key] = prov
	return prov, nil
}

// SetProvider injects a prebuilt provider for every step. Used by tests
// and diagnostics runs.
func (o *Orchestrator) SetProvider(prov provider.Provider) {
	o.providersMu.Lock()
	defer o.providersMu.Unlock()
	o.providers = map[string]provider.Provider{"": prov}
}

func (o *Orchestrator) injectedProvider() (provider.Provider, bool) {
	o.providersMu.Lock()
	defer o.providersMu.Unlock()
	prov, ok := o.providers[""]
	return prov, ok
}

// Track registers a child process for signal cleanup.
func (o *Orchestrator) Track(cmd *exec.Cmd) {
	o.childrenMu.Lock()
	defer o.childrenMu.Unlock()
	o.children = append(o.children, cmd)
}

// Untrack removes a finished child process.
func (o *Orchestrator) Untrack(cmd *exec.Cmd) {
	o.childrenMu.Lock()
	defer o.childrenMu.Unlock()
	for i, tracked := range o.children {
		if tracked == cmd {
			o.children = append(o.children[:i], o.children[i+1:]...)
			return
		}
	}
}

// terminateChildren kills all tracked subprocesses, politely first.
func (o *Orchestrator) terminateChildren() {
	o.childrenMu.Lock()
	children := append([]*exec.Cmd(nil), o.children...)
	o.children = nil
	o.childrenMu.Unlock()

	for _, cmd := range children {
		if cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Signal(os.Interrupt)
	}
	deadline := time.Now().Add(2 * time.Second)
	for _, cmd := range children {
		if cmd.Process == nil {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || !waitWithTimeout(cmd, remaining) {
			_ = cmd.Process.Kill()
		}
	}
}

func waitWithTimeout(cmd *exec.Cmd, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// markFailed stamps the run failed with an error message. Best-effort
// save; the caller decides whether to propagate the original error.
func (o *Orchestrator) markFailed(m *manifest.Manifest, message string) {
	m.Status = manifest.StatusFailed
	m.ErrorMessage = message
	if m.FailedAt == "" {
		m.FailedAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	}
	o.Log.Logf(runlog.LevelError, "run failed: %s", message)
	if err := o.Store.SaveWithRetry(o.RunDir, m); err != nil {
		o.Log.Logf(runlog.LevelError, "manifest save failed while marking run failed: %v", err)
	}
}
