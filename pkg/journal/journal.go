// Package journal manages the per-chunk, per-step record streams inside a
// run directory: unit inputs, rendered prompts, provider batch input, raw
// results, validated records, and failure records. Journals are append-only
// within a step; resumption decisions come from replaying what is already
// on disk.
package journal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/units"
)

// DefaultResumeThreshold is the validated-coverage fraction at or above
// which a step counts as already done for a chunk on resume.
const DefaultResumeThreshold = 0.9

// Chunk addresses one chunk directory.
type Chunk struct {
	RunDir string
	Name   string
}

// NewChunk returns a handle for a chunk directory.
func NewChunk(runDir, name string) *Chunk {
	return &Chunk{RunDir: runDir, Name: name}
}

// Dir returns the chunk directory path.
func (c *Chunk) Dir() string {
	return filepath.Join(c.RunDir, "chunks", c.Name)
}

// UnitsPath returns the chunk's input units file.
func (c *Chunk) UnitsPath() string { return filepath.Join(c.Dir(), "units.jsonl") }

// PromptsPath returns a step's rendered prompts file.
func (c *Chunk) PromptsPath(step string) string {
	return filepath.Join(c.Dir(), step+"_prompts.jsonl")
}

// InputPath returns a step's provider-formatted batch request file.
func (c *Chunk) InputPath(step string) string {
	return filepath.Join(c.Dir(), step+"_input.jsonl")
}

// ResultsPath returns a step's raw parsed responses file.
func (c *Chunk) ResultsPath(step string) string {
	return filepath.Join(c.Dir(), step+"_results.jsonl")
}

// ValidatedPath returns a step's post-validation passing records file.
func (c *Chunk) ValidatedPath(step string) string {
	return filepath.Join(c.Dir(), step+"_validated.jsonl")
}

// FailuresPath returns a step's failure records file.
func (c *Chunk) FailuresPath(step string) string {
	return filepath.Join(c.Dir(), step+"_failures.jsonl")
}

// SentinelPath returns the `.bak` sibling whose presence marks a reset
// retry and disables the resume short-circuit for the step.
func (c *Chunk) SentinelPath(step string) string {
	return c.FailuresPath(step) + ".bak"
}

// HasSentinel reports whether the reset sentinel exists for a step.
func (c *Chunk) HasSentinel(step string) bool {
	_, err := os.Stat(c.SentinelPath(step))
	return err == nil
}

// WriteUnits writes the chunk's input units. Called once at init.
func (c *Chunk) WriteUnits(records []jsonl.Record) error {
	return jsonl.Write(c.UnitsPath(), records)
}

// LoadUnits reads the chunk's input units.
func (c *Chunk) LoadUnits() ([]jsonl.Record, error) {
	records, err := jsonl.Load(c.UnitsPath())
	if err != nil {
		return nil, fmt.Errorf("load units for %s: %w", c.Name, err)
	}
	return records, nil
}

// LoadValidated reads a step's validated records indexed by unit id.
func (c *Chunk) LoadValidated(step string) (map[string]jsonl.Record, error) {
	return jsonl.LoadByID(c.ValidatedPath(step), units.IDField)
}

// AppendValidated appends one passing record to a step's validated file.
func (c *Chunk) AppendValidated(step string, record jsonl.Record) error {
	return jsonl.Append(c.ValidatedPath(step), record)
}

// AppendFailure appends one failure record to a step's failures file.
func (c *Chunk) AppendFailure(step string, record jsonl.Record) error {
	return jsonl.Append(c.FailuresPath(step), record)
}

// StepDone applies the replay rule: the step counts as complete for this
// chunk when validated coverage is at or above the threshold and no reset
// sentinel is present. threshold<=0 means DefaultResumeThreshold.
func (c *Chunk) StepDone(step string, unitIDs []string, threshold float64) (bool, error) {
	if len(unitIDs) == 0 {
		return true, nil
	}
	if c.HasSentinel(step) {
		return false, nil
	}
	if threshold <= 0 {
		threshold = DefaultResumeThreshold
	}
	validated, err := c.LoadValidated(step)
	if err != nil {
		return false, err
	}
	covered := 0
	for _, id := range unitIDs {
		if _, ok := validated[id]; ok {
			covered++
		}
	}
	return float64(covered)/float64(len(unitIDs)) >= threshold, nil
}

// PendingUnits returns the unit ids not yet validated for a step, in the
// chunk's unit order.
func (c *Chunk) PendingUnits(step string, unitIDs []string) ([]string, error) {
	validated, err := c.LoadValidated(step)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, id := range unitIDs {
		if _, ok := validated[id]; !ok {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

// RetryCounts reads the failures file and returns, per unit, the highest
// retry_count recorded so far. Units with no failures are absent.
func (c *Chunk) RetryCounts(step string) (map[string]int, error) {
	failures, err := jsonl.Load(c.FailuresPath(step))
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, failure := range failures {
		id, ok := failure[units.IDField].(string)
		if !ok {
			continue
		}
		count := intField(failure, "retry_count")
		if existing, ok := counts[id]; !ok || count > existing {
			counts[id] = count
		}
	}
	return counts, nil
}

// HardFailed returns the unit ids whose failures are no longer
// retry-eligible: a non-retryable stage, or retries exhausted against
// maxRetries.
func (c *Chunk) HardFailed(step string, maxRetries int) (map[string]bool, error) {
	failures, err := jsonl.Load(c.FailuresPath(step))
	if err != nil {
		return nil, err
	}
	hard := make(map[string]bool)
	for _, failure := range failures {
		id, ok := failure[units.IDField].(string)
		if !ok {
			continue
		}
		stage, _ := failure["failure_stage"].(string)
		retryable := stage == "schema_validation" || stage == "validation" || stage == "parse"
		if !retryable {
			hard[id] = true
			continue
		}
		if intField(failure, "retry_count") >= maxRetries {
			hard[id] = true
		}
	}
	return hard, nil
}

// ResetFailures rewrites the failures file keeping only records whose unit
// is NOT in resetIDs (a nil resetIDs drops every record), writes the `.bak`
// sentinel with the previous contents, and returns the number of records
// dropped. This implements the operator retry action.
func (c *Chunk) ResetFailures(step string, resetIDs map[string]bool) (int, error) {
	path := c.FailuresPath(step)
	failures, err := jsonl.Load(path)
	if err != nil {
		return 0, err
	}
	if len(failures) == 0 {
		return 0, nil
	}

	// Preserve the pre-reset contents as the sentinel; its presence also
	// disables the resume short-circuit until the retry completes.
	if err := jsonl.Write(c.SentinelPath(step), failures); err != nil {
		return 0, fmt.Errorf("write reset sentinel: %w", err)
	}

	var kept []jsonl.Record
	dropped := 0
	for _, failure := range failures {
		id, _ := failure[units.IDField].(string)
		if resetIDs == nil || resetIDs[id] {
			dropped++
			continue
		}
		kept = append(kept, failure)
	}
	if err := jsonl.Write(path, kept); err != nil {
		return 0, err
	}
	return dropped, nil
}

// ClearSentinel removes the reset sentinel once the retried step completes.
func (c *Chunk) ClearSentinel(step string) {
	_ = os.Remove(c.SentinelPath(step))
}

// UnitIDs extracts ordered unit ids from unit records.
func UnitIDs(records []jsonl.Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		if id, ok := record[units.IDField].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func intField(record jsonl.Record, key string) int {
	switch n := record[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
