// Package runlog writes the two per-run operational logs.
//
// RUN_LOG.txt records one line per engine state change with a level tag.
// TRACE_LOG.txt records one line per outgoing provider call with duration
// and status. Both are append-only and flushed per line so the files can be
// tailed by read-only consumers while the run is live. Writes are
// best-effort: a logging failure never fails the caller.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Event levels written to RUN_LOG.txt.
const (
	LevelPoll       = "POLL"
	LevelSubmit     = "SUBMIT"
	LevelCollect    = "COLLECT"
	LevelValidate   = "VALIDATE"
	LevelTick       = "TICK"
	LevelExpression = "EXPRESSION"
	LevelProgress   = "PROGRESS"
	LevelState      = "STATE"
	LevelError      = "ERROR"
	LevelAutoFix    = "AUTO-FIX"
	LevelInit       = "INIT"
	LevelWatch      = "WATCH"
	LevelRealtime   = "REALTIME"
)

// Logger appends to a run directory's log files.
type Logger struct {
	runDir string
	// EchoStderr mirrors RUN_LOG lines to stderr for CLI visibility.
	EchoStderr bool
}

// New returns a Logger for the given run directory.
func New(runDir string) *Logger {
	return &Logger{runDir: runDir, EchoStderr: true}
}

// Log appends a `[timestamp] [level] message` line to RUN_LOG.txt.
func (l *Logger) Log(level, message string) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	line := fmt.Sprintf("[%s] [%s] %s\n", timestamp, level, message)
	appendLine(filepath.Join(l.runDir, "RUN_LOG.txt"), line)
	if l.EchoStderr {
		fmt.Fprintf(os.Stderr, "[%s] [%s] %s\n", time.Now().Format("15:04:05"), level, message)
	}
}

// Logf is Log with formatting.
func (l *Logger) Logf(level, format string, args ...any) {
	l.Log(level, fmt.Sprintf(format, args...))
}

// Trace appends a pre-formatted trace line to TRACE_LOG.txt with a
// millisecond-precision timestamp.
func (l *Logger) Trace(message string) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000")
	appendLine(filepath.Join(l.runDir, "TRACE_LOG.txt"), timestamp+" "+message+"\n")
}

// TraceCall records one outgoing provider call, e.g.
// "[API] gemini chunk_003 unit_042 | 1.33s | 200".
func (l *Logger) TraceCall(provider, chunk, unitID string, duration time.Duration, status string) {
	l.Trace(fmt.Sprintf("[API] %s %s %s | %.2fs | %s", provider, chunk, unitID, duration.Seconds(), status))
}

// TraceBatch records one batch-level operation, e.g.
// "[BATCH] openai chunk_001 create | 0.80s | batch_abc".
func (l *Logger) TraceBatch(provider, chunk, op string, duration time.Duration, detail string) {
	l.Trace(fmt.Sprintf("[BATCH] %s %s %s | %.2fs | %s", provider, chunk, op, duration.Seconds(), detail))
}

func appendLine(path, line string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return
	}
	_ = f.Sync()
}
