package jsonl

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")

	require.NoError(t, Append(path, Record{"unit_id": "u1", "value": 1}))
	require.NoError(t, Append(path, Record{"unit_id": "u2", "value": 2}))

	records, err := Load(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "u1", records[0]["unit_id"])
	assert.Equal(t, float64(2), records[1]["value"])
}

func TestLoadMissingFile(t *testing.T) {
	records, err := Load(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLoadSkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	content := `{"unit_id": "u1"}
not json at all

{"unit_id": "u2"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	records, err := Load(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestLoadGzipFallback(t *testing.T) {
	dir := t.TempDir()
	gzPath := filepath.Join(dir, "records.jsonl.gz")

	f, err := os.Create(gzPath)
	require.NoError(t, err)
	w := gzip.NewWriter(f)
	_, err = w.Write([]byte(`{"unit_id": "u1"}` + "\n" + `{"unit_id": "u2"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	// The reader is asked for the plain path; the .gz sibling must serve.
	records, err := Load(filepath.Join(dir, "records.jsonl"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "u2", records[1]["unit_id"])
}

func TestLoadByID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	require.NoError(t, Append(path, Record{"unit_id": "u1", "attempt": 1}))
	require.NoError(t, Append(path, Record{"unit_id": "u1", "attempt": 2}))
	require.NoError(t, Append(path, Record{"unit_id": "u2", "attempt": 1}))

	indexed, err := LoadByID(path, "unit_id")
	require.NoError(t, err)
	require.Len(t, indexed, 2)
	// Later records win.
	assert.Equal(t, float64(2), indexed["u1"]["attempt"])
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name string
		text string
		want map[string]any
	}{
		{
			name: "plain json",
			text: `{"score": 4}`,
			want: map[string]any{"score": float64(4)},
		},
		{
			name: "json code fence",
			text: "Here you go:\n```json\n{\"score\": 4}\n```",
			want: map[string]any{"score": float64(4)},
		},
		{
			name: "bare code fence",
			text: "```\n{\"score\": 4}\n```",
			want: map[string]any{"score": float64(4)},
		},
		{
			name: "plus prefixed number",
			text: `{"score": +4}`,
			want: map[string]any{"score": float64(4)},
		},
		{
			name: "plus in array",
			text: `{"scores": [+1, +2]}`,
			want: map[string]any{"scores": []any{float64(1), float64(2)}},
		},
		{
			name: "trailing comma",
			text: `{"score": 4,}`,
			want: map[string]any{"score": float64(4)},
		},
		{
			name: "empty",
			text: "",
			want: nil,
		},
		{
			name: "not json",
			text: "I cannot answer that.",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseResponse(tt.text)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, Record(tt.want), got)
		})
	}
}

func TestWriteCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "records.jsonl")
	require.NoError(t, Write(path, []Record{{"unit_id": "u1"}}))
	assert.True(t, Exists(path))
}
