package analyze

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkflow/chunkflow/pkg/jsonl"
)

func TestCalculate(t *testing.T) {
	stats := Calculate([]float64{1, 2, 3, 4, 5})
	assert.Equal(t, 5, stats.Count)
	assert.InDelta(t, 3.0, stats.Mean, 1e-9)
	assert.InDelta(t, 3.0, stats.Median, 1e-9)
	assert.InDelta(t, 1.0, stats.Min, 1e-9)
	assert.InDelta(t, 5.0, stats.Max, 1e-9)
	// Sample stdev of 1..5 is sqrt(2.5).
	assert.InDelta(t, 1.5811, stats.Stdev, 1e-3)
}

func TestCalculateEvenMedian(t *testing.T) {
	stats := Calculate([]float64{1, 2, 3, 4})
	assert.InDelta(t, 2.5, stats.Median, 1e-9)
}

func TestCalculateSingleValue(t *testing.T) {
	stats := Calculate([]float64{7})
	assert.Equal(t, 1, stats.Count)
	assert.Zero(t, stats.Stdev)
	assert.InDelta(t, 7, stats.Median, 1e-9)
}

func TestCalculateEmpty(t *testing.T) {
	assert.Zero(t, Calculate(nil).Count)
}

func TestCountField(t *testing.T) {
	records := []jsonl.Record{
		{"mood": "happy"},
		{"mood": "happy"},
		{"mood": "sad"},
		{"mood": float64(3)},
		{"other": "x"},
	}
	counts := CountField(records, "mood")
	assert.Equal(t, 2, counts["happy"])
	assert.Equal(t, 1, counts["sad"])
	assert.Equal(t, 1, counts["3"])
	assert.Len(t, counts, 3)
}

func TestNumericStats(t *testing.T) {
	records := []jsonl.Record{
		{"score": float64(2)},
		{"score": float64(4)},
		{"score": "not a number"},
		{"other": float64(9)},
	}
	stats := NumericStats(records, "score")
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 3.0, stats.Mean, 1e-9)
}

func TestCustomStat(t *testing.T) {
	records := []jsonl.Record{
		{"a": 2, "b": 3},
		{"a": 4, "b": 5},
		{"a": 1}, // b missing: skipped
	}
	stats, skipped, err := CustomStat(records, "a * b")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 13.0, stats.Mean, 1e-9) // (6 + 20) / 2
	assert.Equal(t, 1, skipped)
}

func TestCustomStatBadExpression(t *testing.T) {
	_, _, err := CustomStat(nil, "a +")
	assert.Error(t, err)
}

func TestNet(t *testing.T) {
	counts := map[string]int{"good": 5, "great": 2, "bad": 3}
	assert.Equal(t, 4, Net(counts, []string{"good", "great"}, []string{"bad"}))
	assert.Equal(t, -3, Net(counts, nil, []string{"bad"}))
}
