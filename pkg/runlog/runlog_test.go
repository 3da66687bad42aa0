package runlog

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppendsTaggedLine(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)
	log.EchoStderr = false

	log.Log(LevelSubmit, "chunk_000 generate submitted 2 units")
	log.Logf(LevelPoll, "chunk_%03d polled", 0)

	data, err := os.ReadFile(filepath.Join(dir, "RUN_LOG.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	// [ISO8601Z] [LEVEL] message
	pattern := regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z\] \[SUBMIT\] chunk_000 generate submitted 2 units$`)
	assert.Regexp(t, pattern, lines[0])
	assert.Contains(t, lines[1], "[POLL] chunk_000 polled")
}

func TestTraceCallFormat(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)
	log.EchoStderr = false

	log.TraceCall("gemini", "chunk_003", "unit_042", 1330*time.Millisecond, "200")

	data, err := os.ReadFile(filepath.Join(dir, "TRACE_LOG.txt"))
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, "[API] gemini chunk_003 unit_042 | 1.33s | 200")
	// Millisecond-precision timestamp prefix.
	assert.Regexp(t, regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3} `), line)
}

func TestTraceBatchFormat(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)
	log.EchoStderr = false

	log.TraceBatch("openai", "chunk_001", "create", 800*time.Millisecond, "batch_abc")

	data, err := os.ReadFile(filepath.Join(dir, "TRACE_LOG.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[BATCH] openai chunk_001 create | 0.80s | batch_abc")
}

func TestLoggingNeverFails(t *testing.T) {
	// A missing directory must not panic or error — logging is
	// best-effort.
	log := New(filepath.Join(t.TempDir(), "absent", "deeper"))
	log.EchoStderr = false
	log.Log(LevelError, "this line has nowhere to go")
	log.Trace("neither does this one")
}
