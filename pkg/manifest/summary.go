package manifest

import "math"

// Summary is the ~300-byte subset of the manifest written to
// .manifest_summary.json after each save. Dashboards list hundreds of runs
// by reading only summaries instead of full manifests.
type Summary struct {
	Status       string   `json:"status"`
	Progress     int      `json:"progress"`
	TotalUnits   int      `json:"total_units"`
	ValidUnits   int      `json:"valid_units"`
	FailedUnits  int      `json:"failed_units"`
	Cost         float64  `json:"cost"`
	TotalTokens  int      `json:"total_tokens"`
	Mode         string   `json:"mode"`
	PipelineName string   `json:"pipeline_name"`
	Started      string   `json:"started"`
	Updated      string   `json:"updated"`
	CurrentStep  string   `json:"current_step"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Pipeline     []string `json:"pipeline"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
}

// Default per-million rates used when the model registry has no entry.
const (
	defaultInputPerMillion    = 0.075
	defaultOutputPerMillion   = 0.30
	defaultRealtimeMultiplier = 2.0
)

// BuildSummary derives the summary view from a manifest.
func (s *Store) BuildSummary(m *Manifest) *Summary {
	status := InferStatus(m)

	totalUnits := m.TotalUnits()
	validUnits := m.ValidUnits()

	// For terminal runs total-valid is more reliable than the failed
	// counters, which can lag a crash.
	var failedUnits int
	if IsTerminalStatus(status) {
		failedUnits = totalUnits - validUnits
		if failedUnits < 0 {
			failedUnits = 0
		}
	} else {
		failedUnits = m.FailedUnits()
	}

	started := m.Metadata.StartTime
	if started == "" {
		started = m.Created
	}

	return &Summary{
		Status:       status,
		Progress:     Progress(m),
		TotalUnits:   totalUnits,
		ValidUnits:   validUnits,
		FailedUnits:  failedUnits,
		Cost:         s.summaryCost(m),
		TotalTokens:  m.TotalTokens(),
		Mode:         modeOrDefault(m.Metadata.Mode),
		PipelineName: m.Metadata.PipelineName,
		Started:      started,
		Updated:      m.Updated,
		CurrentStep:  CurrentStep(m),
		ErrorMessage: m.ErrorMessage,
		Pipeline:     m.Pipeline,
		Provider:     m.Metadata.Provider,
		Model:        m.Metadata.Model,
	}
}

func modeOrDefault(mode string) string {
	if mode == "" {
		return "batch"
	}
	return mode
}

// summaryCost computes run cost from token totals and the model registry.
// Cost is never a stored primary value; it is always derived here.
func (s *Store) summaryCost(m *Manifest) float64 {
	md := m.Metadata
	totalInput := md.InitialInputTokens + md.RetryInputTokens
	totalOutput := md.InitialOutputTokens + md.RetryOutputTokens
	if totalInput == 0 && totalOutput == 0 {
		return 0
	}

	realtime := md.Mode == "realtime"
	inRate, outRate := defaultInputPerMillion, defaultOutputPerMillion
	if realtime {
		inRate *= defaultRealtimeMultiplier
		outRate *= defaultRealtimeMultiplier
	}
	if s.Rates != nil {
		if in, out, ok := s.Rates(md.Provider, md.Model, realtime); ok {
			inRate, outRate = in, out
		}
	}

	cost := float64(totalInput)/1e6*inRate + float64(totalOutput)/1e6*outRate
	return math.Round(cost*1e4) / 1e4
}

// CurrentStep returns the most advanced non-terminal step across chunks, or
// the last pipeline step when any chunk is VALIDATED.
func CurrentStep(m *Manifest) string {
	if len(m.Pipeline) == 0 {
		return ""
	}
	maxIdx := -1
	for _, c := range m.Chunks {
		if c.State == ChunkValidated {
			if len(m.Pipeline)-1 > maxIdx {
				maxIdx = len(m.Pipeline) - 1
			}
			continue
		}
		if idx := m.StepIndex(c.State); idx > maxIdx {
			maxIdx = idx
		}
	}
	if maxIdx >= 0 && maxIdx < len(m.Pipeline) {
		return m.Pipeline[maxIdx]
	}
	return ""
}
