package units

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkflow/chunkflow/pkg/config"
	"github.com/chunkflow/chunkflow/pkg/jsonl"
)

func writeItems(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "items.yaml"), []byte(content), 0o644))
}

func baseConfig(dir string) *config.Config {
	return &config.Config{
		Dir: dir,
		Processing: config.Processing{
			Strategy:  "direct",
			ChunkSize: 2,
			Items:     config.Items{Source: "items.yaml"},
		},
	}
}

func TestGenerateDirect(t *testing.T) {
	dir := t.TempDir()
	writeItems(t, dir, "- topic: A\n- topic: B\n- topic: C\n")

	cfg := baseConfig(dir)
	generated, err := Generate(cfg)
	require.NoError(t, err)
	require.Len(t, generated, 3)
	assert.Equal(t, "unit_000000", generated[0][IDField])
	assert.Equal(t, "A", generated[0]["topic"])
	assert.Equal(t, "unit_000002", generated[2][IDField])
}

func TestGenerateDirectScalars(t *testing.T) {
	dir := t.TempDir()
	writeItems(t, dir, "- alpha\n- beta\n")

	generated, err := Generate(baseConfig(dir))
	require.NoError(t, err)
	require.Len(t, generated, 2)
	assert.Equal(t, "alpha", generated[0]["item"])
}

func TestGeneratePermutation(t *testing.T) {
	dir := t.TempDir()
	writeItems(t, dir, "- name: x\n- name: y\n- name: z\n")

	cfg := baseConfig(dir)
	cfg.Processing.Strategy = "permutation"
	cfg.Processing.Positions = []config.Position{{Name: "first"}, {Name: "second"}}

	generated, err := Generate(cfg)
	require.NoError(t, err)
	// 3P2 = 6 ordered pairs of distinct items.
	require.Len(t, generated, 6)
	assert.Equal(t, "x", generated[0]["first_name"])
	assert.Equal(t, "y", generated[0]["second_name"])

	// No unit pairs an item with itself.
	for _, unit := range generated {
		assert.NotEqual(t, unit["first_name"], unit["second_name"])
	}
}

func TestGenerateCrossProduct(t *testing.T) {
	dir := t.TempDir()
	writeItems(t, dir, "colors:\n  - red\n  - blue\nsizes:\n  - S\n  - M\n  - L\n")

	cfg := baseConfig(dir)
	cfg.Processing.Strategy = "cross_product"
	cfg.Processing.Positions = []config.Position{
		{Name: "color", SourceKey: "colors"},
		{Name: "size", SourceKey: "sizes"},
	}

	generated, err := Generate(cfg)
	require.NoError(t, err)
	require.Len(t, generated, 6)
	assert.Equal(t, "red", generated[0]["color"])
	assert.Equal(t, "S", generated[0]["size"])
	// Rightmost position advances fastest.
	assert.Equal(t, "M", generated[1]["size"])
}

func TestGenerateRepeatStampsRepetitions(t *testing.T) {
	dir := t.TempDir()
	writeItems(t, dir, "- topic: A\n")

	cfg := baseConfig(dir)
	cfg.Processing.Repeat = 3
	cfg.Processing.Seed = 100

	generated, err := Generate(cfg)
	require.NoError(t, err)
	require.Len(t, generated, 3)
	assert.Equal(t, 1, generated[0][RepetitionIDField])
	assert.Equal(t, 3, generated[2][RepetitionIDField])
	assert.Equal(t, int64(100), generated[0][RepetitionSeedField])
	assert.Equal(t, int64(102), generated[2][RepetitionSeedField])
	// IDs remain unique across repetitions.
	assert.NotEqual(t, generated[0][IDField], generated[1][IDField])
}

func TestGenerateMaxUnitsCap(t *testing.T) {
	dir := t.TempDir()
	writeItems(t, dir, "- topic: A\n- topic: B\n- topic: C\n")

	cfg := baseConfig(dir)
	limit := 2
	cfg.Processing.MaxUnits = &limit

	generated, err := Generate(cfg)
	require.NoError(t, err)
	assert.Len(t, generated, 2)
}

func TestGenerateMaxUnitsZeroIsEmptyRun(t *testing.T) {
	dir := t.TempDir()
	writeItems(t, dir, "- topic: A\n")

	cfg := baseConfig(dir)
	zero := 0
	cfg.Processing.MaxUnits = &zero

	generated, err := Generate(cfg)
	require.NoError(t, err)
	assert.Empty(t, generated)
}

func TestGenerateItemsKeySelection(t *testing.T) {
	dir := t.TempDir()
	writeItems(t, dir, "topics:\n  - topic: A\n  - topic: B\nother:\n  - topic: Z\n")

	cfg := baseConfig(dir)
	cfg.Processing.Items = config.Items{Source: "items.yaml", Key: "topics"}

	generated, err := Generate(cfg)
	require.NoError(t, err)
	assert.Len(t, generated, 2)
}

func TestPartition(t *testing.T) {
	records := []jsonl.Record{
		{IDField: "u0"}, {IDField: "u1"}, {IDField: "u2"}, {IDField: "u3"}, {IDField: "u4"},
	}

	chunks := Partition(records, 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks["chunk_000"], 2)
	assert.Len(t, chunks["chunk_001"], 2)
	assert.Len(t, chunks["chunk_002"], 1)
}

func TestPartitionChunkSizeOne(t *testing.T) {
	records := []jsonl.Record{{IDField: "u0"}, {IDField: "u1"}, {IDField: "u2"}}
	chunks := Partition(records, 1)
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		assert.Len(t, chunk, 1)
	}
}

func TestPartitionEmpty(t *testing.T) {
	assert.Empty(t, Partition(nil, 10))
}
