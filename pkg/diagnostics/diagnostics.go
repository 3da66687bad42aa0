// Package diagnostics provides read-only probes over run directories:
// runs-directory scans from summary side files, process liveness checks,
// per-step journal health, and disk-vs-manifest consistency reports. All
// functions tolerate concurrent appends by a live writer.
package diagnostics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/tidwall/gjson"

	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/units"
)

// RunInfo is one row of a runs-directory scan.
type RunInfo struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Status      string   `json:"status"`
	Progress    int      `json:"progress"`
	TotalUnits  int      `json:"total_units"`
	ValidUnits  int      `json:"valid_units"`
	FailedUnits int      `json:"failed_units"`
	Cost        float64  `json:"cost"`
	TotalTokens int      `json:"total_tokens"`
	Mode        string   `json:"mode"`
	Pipeline    string   `json:"pipeline_name"`
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Updated     string   `json:"updated"`
	FromSummary bool     `json:"-"`
	Steps       []string `json:"pipeline,omitempty"`
}

// ScanRuns lists every run under a runs directory. The cheap path reads
// only the ~300-byte summary side file; runs without one (or whose summary
// is not valid JSON) fall back to the full manifest. A summary that lags
// the manifest is used as it is. Results sort by update time, newest first.
func ScanRuns(runsDir string, store *manifest.Store) ([]RunInfo, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil, err
	}

	var runs []RunInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runDir := filepath.Join(runsDir, entry.Name())
		if _, err := os.Stat(manifest.Path(runDir)); err != nil {
			continue
		}
		info, err := scanRun(runDir, store)
		if err != nil {
			continue
		}
		info.Name = entry.Name()
		runs = append(runs, *info)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].Updated > runs[j].Updated })
	return runs, nil
}

func scanRun(runDir string, store *manifest.Store) (*RunInfo, error) {
	if data, err := os.ReadFile(manifest.SummaryPath(runDir)); err == nil && gjson.ValidBytes(data) {
		parsed := gjson.ParseBytes(data)
		steps := []string{}
		for _, step := range parsed.Get("pipeline").Array() {
			steps = append(steps, step.String())
		}
		return &RunInfo{
			Path:        runDir,
			Status:      parsed.Get("status").String(),
			Progress:    int(parsed.Get("progress").Int()),
			TotalUnits:  int(parsed.Get("total_units").Int()),
			ValidUnits:  int(parsed.Get("valid_units").Int()),
			FailedUnits: int(parsed.Get("failed_units").Int()),
			Cost:        parsed.Get("cost").Float(),
			TotalTokens: int(parsed.Get("total_tokens").Int()),
			Mode:        parsed.Get("mode").String(),
			Pipeline:    parsed.Get("pipeline_name").String(),
			Provider:    parsed.Get("provider").String(),
			Model:       parsed.Get("model").String(),
			Updated:     parsed.Get("updated").String(),
			FromSummary: true,
			Steps:       steps,
		}, nil
	}

	m, err := store.Load(runDir)
	if err != nil {
		return nil, err
	}
	summary := store.BuildSummary(m)
	return &RunInfo{
		Path:        runDir,
		Status:      summary.Status,
		Progress:    summary.Progress,
		TotalUnits:  summary.TotalUnits,
		ValidUnits:  summary.ValidUnits,
		FailedUnits: summary.FailedUnits,
		Cost:        summary.Cost,
		TotalTokens: summary.TotalTokens,
		Mode:        summary.Mode,
		Pipeline:    summary.PipelineName,
		Provider:    summary.Provider,
		Model:       summary.Model,
		Updated:     summary.Updated,
		Steps:       summary.Pipeline,
	}, nil
}

// ProcessStatus describes the orchestrator process recorded in a run's PID
// file.
type ProcessStatus struct {
	PID int `json:"pid"`
	// Alive means the PID responds to signal 0.
	Alive bool `json:"alive"`
	// Owner means the live process's command line references the run
	// directory; a live PID without it is reuse, not ownership.
	Owner bool `json:"owner"`
	// Detached means a PID file exists but the process is gone — the run
	// was killed or crashed and can be resumed.
	Detached bool `json:"detached"`
}

// CheckProcess probes the PID file of a run directory.
func CheckProcess(runDir string) ProcessStatus {
	data, err := os.ReadFile(filepath.Join(runDir, "orchestrator.pid"))
	if err != nil {
		return ProcessStatus{}
	}
	pid := 0
	fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid)
	if pid == 0 {
		return ProcessStatus{}
	}

	status := ProcessStatus{PID: pid}
	process, err := os.FindProcess(pid)
	if err == nil && process.Signal(syscall.Signal(0)) == nil {
		status.Alive = true
		status.Owner = cmdlineMentions(pid, runDir)
	} else {
		status.Detached = true
	}
	return status
}

func cmdlineMentions(pid int, runDir string) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return true
	}
	cmdline := strings.ReplaceAll(string(data), "\x00", " ")
	if strings.Contains(cmdline, runDir) {
		return true
	}
	abs, err := filepath.Abs(runDir)
	return err == nil && strings.Contains(cmdline, abs)
}

// KillProcess sends SIGTERM to the run's recorded orchestrator, if alive.
func KillProcess(runDir string) (bool, error) {
	status := CheckProcess(runDir)
	if !status.Alive {
		return false, nil
	}
	process, err := os.FindProcess(status.PID)
	if err != nil {
		return false, err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return false, err
	}
	return true, nil
}

// StepHealth summarises one step's journal state for one chunk.
type StepHealth struct {
	Chunk     string `json:"chunk"`
	Step      string `json:"step"`
	Items     int    `json:"items"`
	Validated int    `json:"validated"`
	Failures  int    `json:"failures"`
	// Missing units have neither a validated record nor a failure.
	Missing     int  `json:"missing"`
	HasSentinel bool `json:"has_sentinel"`
}

// ScanStepHealth walks every chunk × step and counts journal coverage.
func ScanStepHealth(runDir string, m *manifest.Manifest) ([]StepHealth, error) {
	var health []StepHealth
	for _, chunkName := range m.ChunkNames() {
		chunk := journal.NewChunk(runDir, chunkName)
		records, err := chunk.LoadUnits()
		if err != nil {
			return nil, err
		}
		unitIDs := journal.UnitIDs(records)

		for _, step := range m.Pipeline {
			validated, err := chunk.LoadValidated(step)
			if err != nil {
				return nil, err
			}
			failures, err := jsonl.Load(chunk.FailuresPath(step))
			if err != nil {
				return nil, err
			}
			failedIDs := make(map[string]bool)
			for _, failure := range failures {
				if id, ok := failure[units.IDField].(string); ok {
					failedIDs[id] = true
				}
			}
			missing := 0
			for _, id := range unitIDs {
				if _, ok := validated[id]; ok {
					continue
				}
				if failedIDs[id] {
					continue
				}
				missing++
			}
			health = append(health, StepHealth{
				Chunk:       chunkName,
				Step:        step,
				Items:       len(unitIDs),
				Validated:   len(validated),
				Failures:    len(failures),
				Missing:     missing,
				HasSentinel: chunk.HasSentinel(step),
			})
		}
	}
	return health, nil
}

// VerifyDiskVsManifest reports inconsistencies between the manifest's
// counters/states and what the chunk journals actually contain.
func VerifyDiskVsManifest(runDir string, m *manifest.Manifest) ([]string, error) {
	var problems []string
	for _, chunkName := range m.ChunkNames() {
		mchunk := m.Chunks[chunkName]
		chunk := journal.NewChunk(runDir, chunkName)
		records, err := chunk.LoadUnits()
		if err != nil {
			return nil, err
		}
		if len(records) != mchunk.Items {
			problems = append(problems, fmt.Sprintf(
				"%s: units.jsonl has %d records, manifest says %d", chunkName, len(records), mchunk.Items))
		}
		unitIDs := journal.UnitIDs(records)

		if mchunk.State == manifest.ChunkValidated && len(m.Pipeline) > 0 {
			lastStep := m.Pipeline[len(m.Pipeline)-1]
			validated, err := chunk.LoadValidated(lastStep)
			if err != nil {
				return nil, err
			}
			if len(validated)+mchunk.Failed < len(unitIDs) {
				problems = append(problems, fmt.Sprintf(
					"%s: VALIDATED but %s covers only %d/%d units (+%d failed)",
					chunkName, lastStep, len(validated), len(unitIDs), mchunk.Failed))
			}
		}

		if mchunk.Valid > mchunk.Items {
			problems = append(problems, fmt.Sprintf(
				"%s: valid counter %d exceeds items %d", chunkName, mchunk.Valid, mchunk.Items))
		}
	}
	return problems, nil
}

// FailureGroup clusters failures sharing an error signature.
type FailureGroup struct {
	Message string         `json:"message"`
	Stage   string         `json:"stage"`
	Count   int            `json:"count"`
	Sample  []jsonl.Record `json:"sample"`
}

// AnalyzeFailures groups one step's failures by message across chunks,
// keeping up to sampleSize examples per group, largest groups first.
func AnalyzeFailures(runDir string, m *manifest.Manifest, step string, sampleSize int) ([]FailureGroup, error) {
	if sampleSize <= 0 {
		sampleSize = 3
	}
	groups := make(map[string]*FailureGroup)
	for _, chunkName := range m.ChunkNames() {
		chunk := journal.NewChunk(runDir, chunkName)
		failures, err := jsonl.Load(chunk.FailuresPath(step))
		if err != nil {
			return nil, err
		}
		for _, failure := range failures {
			key := failureSignature(failure)
			group, ok := groups[key]
			if !ok {
				stage, _ := failure["failure_stage"].(string)
				group = &FailureGroup{Message: key, Stage: stage}
				groups[key] = group
			}
			group.Count++
			if len(group.Sample) < sampleSize {
				group.Sample = append(group.Sample, failure)
			}
		}
	}

	out := make([]FailureGroup, 0, len(groups))
	for _, group := range groups {
		out = append(out, *group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

// failureSignature extracts the first error message as the grouping key.
func failureSignature(failure jsonl.Record) string {
	if errs, ok := failure["errors"].([]any); ok && len(errs) > 0 {
		if first, ok := errs[0].(map[string]any); ok {
			if message, ok := first["message"].(string); ok && message != "" {
				return message
			}
		}
	}
	if stage, ok := failure["failure_stage"].(string); ok {
		return "uncategorised " + stage + " failure"
	}
	return "unknown failure"
}
