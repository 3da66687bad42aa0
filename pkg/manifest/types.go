// Package manifest implements the run-level state store: the MANIFEST.json
// document, its atomic save discipline, the lightweight summary side file,
// and the derived status/progress computations.
package manifest

import (
	"fmt"
	"sort"
	"strings"
)

// Run statuses.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusPaused   = "paused"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusKilled   = "killed"
)

// Terminal chunk states. Non-terminal states are "{step}_PENDING" and
// "{step}_SUBMITTED".
const (
	ChunkValidated = "VALIDATED"
	ChunkFailed    = "FAILED"
)

// Chunk state suffixes.
const (
	suffixPending   = "PENDING"
	suffixSubmitted = "SUBMITTED"
)

// Chunk is the manifest entry for one chunk of units.
type Chunk struct {
	State       string `json:"state"`
	Items       int    `json:"items"`
	Valid       int    `json:"valid"`
	Failed      int    `json:"failed"`
	Retries     int    `json:"retries"`
	BatchID     string `json:"batch_id,omitempty"`
	SubmittedAt string `json:"submitted_at,omitempty"`
}

// Metadata holds run-level settings and token accounting.
type Metadata struct {
	Mode                string `json:"mode"`
	Provider            string `json:"provider"`
	Model               string `json:"model"`
	PipelineName        string `json:"pipeline_name"`
	RunID               string `json:"run_id,omitempty"`
	StartTime           string `json:"start_time,omitempty"`
	InitialInputTokens  int    `json:"initial_input_tokens"`
	InitialOutputTokens int    `json:"initial_output_tokens"`
	RetryInputTokens    int    `json:"retry_input_tokens"`
	RetryOutputTokens   int    `json:"retry_output_tokens"`
	MaxUnits            int    `json:"max_units,omitempty"`
	PollInterval        int    `json:"poll_interval"`
	MaxRetries          int    `json:"max_retries"`
}

// Manifest is the authoritative per-run state document.
type Manifest struct {
	Created      string            `json:"created"`
	Updated      string            `json:"updated"`
	Status       string            `json:"status"`
	Pipeline     []string          `json:"pipeline"`
	Chunks       map[string]*Chunk `json:"chunks"`
	Metadata     Metadata          `json:"metadata"`
	ErrorMessage string            `json:"error_message,omitempty"`
	PausedAt     string            `json:"paused_at,omitempty"`
	CompletedAt  string            `json:"completed_at,omitempty"`
	FailedAt     string            `json:"failed_at,omitempty"`
	KilledAt     string            `json:"killed_at,omitempty"`
}

// PendingState returns "{step}_PENDING".
func PendingState(step string) string { return step + "_" + suffixPending }

// SubmittedState returns "{step}_SUBMITTED".
func SubmittedState(step string) string { return step + "_" + suffixSubmitted }

// IsTerminalChunk reports whether a chunk state is VALIDATED or FAILED.
func IsTerminalChunk(state string) bool {
	return state == ChunkValidated || state == ChunkFailed
}

// IsTerminalStatus reports whether a run status is terminal.
func IsTerminalStatus(status string) bool {
	return status == StatusComplete || status == StatusFailed || status == StatusKilled
}

// SplitState parses "{step}_{SUFFIX}" into its parts. The step name itself
// may contain underscores; only the trailing PENDING/SUBMITTED token is the
// suffix. Terminal states return ("", state, true). Unrecognised states
// return ok=false.
func SplitState(state string) (step, suffix string, ok bool) {
	if IsTerminalChunk(state) {
		return "", state, true
	}
	idx := strings.LastIndex(state, "_")
	if idx <= 0 {
		return "", "", false
	}
	step, suffix = state[:idx], state[idx+1:]
	if suffix != suffixPending && suffix != suffixSubmitted {
		return "", "", false
	}
	return step, suffix, true
}

// StepIndex returns the pipeline index of a chunk state's step, or -1 for
// terminal/unknown states.
func (m *Manifest) StepIndex(state string) int {
	step, _, ok := SplitState(state)
	if !ok || step == "" {
		return -1
	}
	for i, name := range m.Pipeline {
		if name == step {
			return i
		}
	}
	return -1
}

// NextState returns the state a chunk moves to after completing the given
// step: the next step's PENDING state, or VALIDATED after the last step.
func (m *Manifest) NextState(step string) (string, error) {
	for i, name := range m.Pipeline {
		if name == step {
			if i+1 < len(m.Pipeline) {
				return PendingState(m.Pipeline[i+1]), nil
			}
			return ChunkValidated, nil
		}
	}
	return "", fmt.Errorf("step %q not in pipeline", step)
}

// TotalUnits sums chunk item counts.
func (m *Manifest) TotalUnits() int {
	total := 0
	for _, c := range m.Chunks {
		total += c.Items
	}
	return total
}

// ValidUnits sums chunk valid counters.
func (m *Manifest) ValidUnits() int {
	total := 0
	for _, c := range m.Chunks {
		total += c.Valid
	}
	return total
}

// FailedUnits sums chunk failed counters. For terminal runs the difference
// total-valid is the more reliable figure; see Summary.
func (m *Manifest) FailedUnits() int {
	total := 0
	for _, c := range m.Chunks {
		total += c.Failed
	}
	return total
}

// TotalTokens sums all four token counters.
func (m *Manifest) TotalTokens() int {
	md := m.Metadata
	return md.InitialInputTokens + md.InitialOutputTokens + md.RetryInputTokens + md.RetryOutputTokens
}

// AllChunksTerminal reports whether every chunk is VALIDATED or FAILED.
// False for runs with no chunks.
func (m *Manifest) AllChunksTerminal() bool {
	if len(m.Chunks) == 0 {
		return false
	}
	for _, c := range m.Chunks {
		if !IsTerminalChunk(c.State) {
			return false
		}
	}
	return true
}

// ChunkNames returns chunk names in lexical order (chunk_000, chunk_001, …).
func (m *Manifest) ChunkNames() []string {
	names := make([]string, 0, len(m.Chunks))
	for name := range m.Chunks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
