// Package analyze aggregates finished-run results: categorical counts,
// numeric statistics, and custom expression-derived stats over the final
// step's validated records. The report lands in report.json at the run
// root.
package analyze

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/chunkflow/chunkflow/pkg/exprs"
	"github.com/chunkflow/chunkflow/pkg/journal"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
	"github.com/chunkflow/chunkflow/pkg/manifest"
)

// LoadResults reads the final pipeline step's validated records from every
// chunk, in chunk order.
func LoadResults(runDir string, m *manifest.Manifest) ([]jsonl.Record, error) {
	if len(m.Pipeline) == 0 {
		return nil, fmt.Errorf("run has no pipeline steps")
	}
	lastStep := m.Pipeline[len(m.Pipeline)-1]

	var results []jsonl.Record
	for _, chunkName := range m.ChunkNames() {
		chunk := journal.NewChunk(runDir, chunkName)
		records, err := jsonl.Load(chunk.ValidatedPath(lastStep))
		if err != nil {
			return nil, fmt.Errorf("load %s results: %w", chunkName, err)
		}
		results = append(results, records...)
	}
	return results, nil
}

// CountField tallies the values of one field across records. Non-scalar
// values are skipped; the result maps value-as-string to count.
func CountField(records []jsonl.Record, field string) map[string]int {
	counts := make(map[string]int)
	for _, record := range records {
		value, ok := record[field]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			counts[v]++
		case bool:
			counts[fmt.Sprintf("%t", v)]++
		case float64:
			if v == math.Trunc(v) {
				counts[fmt.Sprintf("%d", int64(v))]++
			} else {
				counts[fmt.Sprintf("%g", v)]++
			}
		case int:
			counts[fmt.Sprintf("%d", v)]++
		}
	}
	return counts
}

// Stats summarises a numeric sample.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Stdev  float64 `json:"stdev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// NumericStats computes stats over one numeric field; records lacking the
// field (or with non-numeric values) are skipped.
func NumericStats(records []jsonl.Record, field string) Stats {
	var values []float64
	for _, record := range records {
		switch v := record[field].(type) {
		case float64:
			values = append(values, v)
		case int:
			values = append(values, float64(v))
		case int64:
			values = append(values, float64(v))
		}
	}
	return Calculate(values)
}

// Calculate computes Stats from a raw sample. Stdev is the sample
// standard deviation (n-1); a single value has stdev 0.
func Calculate(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	stats := Stats{Count: len(values), Min: values[0], Max: values[0]}
	total := 0.0
	for _, v := range values {
		total += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Mean = total / float64(len(values))

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		stats.Median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		stats.Median = sorted[mid]
	}

	if len(values) > 1 {
		sumSquares := 0.0
		for _, v := range values {
			diff := v - stats.Mean
			sumSquares += diff * diff
		}
		stats.Stdev = math.Sqrt(sumSquares / float64(len(values)-1))
	}
	return stats
}

// CustomStat evaluates an expression against every record and returns
// stats over the numeric results; boolean results count as 1 (true) or 0
// (false). Records where the expression errors or yields any other
// non-number are skipped with a count of how many.
func CustomStat(records []jsonl.Record, expression string) (Stats, int, error) {
	if err := exprs.Check(expression); err != nil {
		return Stats{}, 0, err
	}
	var values []float64
	skipped := 0
	for _, record := range records {
		result, err := exprs.Evaluate(expression, record, nil)
		if err != nil {
			skipped++
			continue
		}
		switch v := result.(type) {
		case float64:
			values = append(values, v)
		case int:
			values = append(values, float64(v))
		case int64:
			values = append(values, float64(v))
		case bool:
			if v {
				values = append(values, 1)
			} else {
				values = append(values, 0)
			}
		default:
			skipped++
		}
	}
	return Calculate(values), skipped, nil
}

// Net computes a net score over categorical counts: the positive values'
// total minus the negative values' total.
func Net(counts map[string]int, positive, negative []string) int {
	net := 0
	for _, value := range positive {
		net += counts[value]
	}
	for _, value := range negative {
		net -= counts[value]
	}
	return net
}

// Report is the serialised analysis artefact.
type Report struct {
	Run         string                    `json:"run"`
	Pipeline    string                    `json:"pipeline"`
	Status      string                    `json:"status"`
	TotalUnits  int                       `json:"total_units"`
	ValidUnits  int                       `json:"valid_units"`
	FailedUnits int                       `json:"failed_units"`
	Counts      map[string]map[string]int `json:"counts,omitempty"`
	Numeric     map[string]Stats          `json:"numeric,omitempty"`
	Custom      map[string]Stats          `json:"custom,omitempty"`
}

// BuildReport aggregates the given fields over a run's results.
func BuildReport(runDir string, m *manifest.Manifest, store *manifest.Store,
	countFields, numericFields []string, customStats map[string]string) (*Report, error) {

	records, err := LoadResults(runDir, m)
	if err != nil {
		return nil, err
	}
	summary := store.BuildSummary(m)

	report := &Report{
		Run:         filepath.Base(runDir),
		Pipeline:    summary.PipelineName,
		Status:      summary.Status,
		TotalUnits:  summary.TotalUnits,
		ValidUnits:  summary.ValidUnits,
		FailedUnits: summary.FailedUnits,
	}

	if len(countFields) > 0 {
		report.Counts = make(map[string]map[string]int, len(countFields))
		for _, field := range countFields {
			report.Counts[field] = CountField(records, field)
		}
	}
	if len(numericFields) > 0 {
		report.Numeric = make(map[string]Stats, len(numericFields))
		for _, field := range numericFields {
			report.Numeric[field] = NumericStats(records, field)
		}
	}
	if len(customStats) > 0 {
		report.Custom = make(map[string]Stats, len(customStats))
		for name, expression := range customStats {
			stats, _, err := CustomStat(records, expression)
			if err != nil {
				return nil, fmt.Errorf("custom stat %q: %w", name, err)
			}
			report.Custom[name] = stats
		}
	}
	return report, nil
}

// WriteReport serialises a report to report.json in the run directory.
func WriteReport(runDir string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, "report.json"), data, 0o644)
}
