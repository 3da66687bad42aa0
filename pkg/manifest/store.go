package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// File names inside a run directory.
const (
	FileName        = "MANIFEST.json"
	SummaryFileName = ".manifest_summary.json"
)

// RateLookup resolves per-million token rates for a provider/model pair.
// Returns ok=false when the model is not in the registry; callers fall back
// to default rates.
type RateLookup func(provider, model string, realtime bool) (inputPerMillion, outputPerMillion float64, ok bool)

// Store reads and writes manifests for run directories.
//
// Saves are atomic: the document is written to a sibling temp file and
// renamed over the target. The summary side file is best-effort and never
// fails the primary save.
type Store struct {
	// Rates is consulted when building the summary cost figure. Optional;
	// nil falls back to default batch rates.
	Rates RateLookup

	// now is overridable for tests.
	now func() time.Time
}

// NewStore returns a Store with the given rate lookup (may be nil).
func NewStore(rates RateLookup) *Store {
	return &Store{Rates: rates, now: time.Now}
}

// Path returns the manifest path for a run directory.
func Path(runDir string) string { return filepath.Join(runDir, FileName) }

// SummaryPath returns the summary path for a run directory.
func SummaryPath(runDir string) string { return filepath.Join(runDir, SummaryFileName) }

// Load reads and parses MANIFEST.json. A missing file is an error; a
// malformed file is fatal to the caller.
func (s *Store) Load(runDir string) (*Manifest, error) {
	data, err := os.ReadFile(Path(runDir))
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", Path(runDir), err)
	}
	if m.Chunks == nil {
		m.Chunks = make(map[string]*Chunk)
	}
	return &m, nil
}

// Save writes the manifest atomically, stamping Updated with the current
// UTC time at second precision. After the primary save the summary side
// file is refreshed; summary failures are swallowed.
func (s *Store) Save(runDir string, m *Manifest) error {
	m.Updated = s.now().UTC().Format("2006-01-02T15:04:05Z")

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := renameio.WriteFile(Path(runDir), data, 0o644); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}

	if summary, err := json.Marshal(s.BuildSummary(m)); err == nil {
		_ = renameio.WriteFile(SummaryPath(runDir), summary, 0o644)
	}
	return nil
}

// SaveWithRetry saves, retrying once on failure before giving up. A second
// failure is structural and fatal to the run.
func (s *Store) SaveWithRetry(runDir string, m *Manifest) error {
	if err := s.Save(runDir, m); err == nil {
		return nil
	}
	return s.Save(runDir, m)
}

// LoadSummary reads the summary side file if present.
func LoadSummary(runDir string) (*Summary, error) {
	data, err := os.ReadFile(SummaryPath(runDir))
	if err != nil {
		return nil, err
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("parse summary %s: %w", SummaryPath(runDir), err)
	}
	return &sum, nil
}
