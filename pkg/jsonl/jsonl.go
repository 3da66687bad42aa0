// Package jsonl provides line-oriented JSON file helpers shared by the run
// engine: append-only journals, gzip-transparent reads, and indexed loads.
//
// Readers accept both plain and `.gz` files so that archived runs remain
// inspectable. Writers always produce plain files.
package jsonl

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxLineBytes bounds a single JSONL line. LLM outputs can be large but a
// line beyond this is a corrupt file, not a record.
const maxLineBytes = 64 * 1024 * 1024

// Record is one parsed JSONL line.
type Record = map[string]any

// openForRead opens path, falling back to path+".gz" when the plain file is
// missing. Returns (nil, nil) when neither exists.
func openForRead(path string) (io.ReadCloser, error) {
	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(path, ".gz") {
			return gzipReader(f)
		}
		return f, nil
	}
	gzPath := path + ".gz"
	if _, err := os.Stat(gzPath); err == nil {
		f, err := os.Open(gzPath)
		if err != nil {
			return nil, err
		}
		return gzipReader(f)
	}
	return nil, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return gzErr
}

func gzipReader(f *os.File) (io.ReadCloser, error) {
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open gzip %s: %w", f.Name(), err)
	}
	return &gzipReadCloser{gz: gz, f: f}, nil
}

// Load reads all records from a JSONL file. Blank lines and lines that fail
// to decode are skipped; a missing file returns an empty slice.
func Load(path string) ([]Record, error) {
	r, err := openForRead(path)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	defer r.Close()

	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read %s: %w", path, err)
	}
	return records, nil
}

// LoadByID loads a JSONL file indexed by a string field. Records missing the
// field (or with a non-string value) are dropped. Later records win, which
// makes retry journals naturally resolve to the latest attempt.
func LoadByID(path, idField string) (map[string]Record, error) {
	records, err := Load(path)
	if err != nil {
		return nil, err
	}
	indexed := make(map[string]Record, len(records))
	for _, rec := range records {
		if key, ok := rec[idField].(string); ok && key != "" {
			indexed[key] = rec
		}
	}
	return indexed, nil
}

// Count returns the number of decodable records in a JSONL file.
func Count(path string) (int, error) {
	records, err := Load(path)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Append writes one record as a JSON line at the end of the file, creating
// it if needed. The write is flushed before returning so that a reader
// polling the journal observes complete lines only.
func Append(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Sync()
}

// Write replaces the file with the given records, creating parent
// directories as needed.
func Write(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// Exists reports whether the file exists in plain or gzipped form.
func Exists(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	_, err := os.Stat(path + ".gz")
	return err == nil
}
