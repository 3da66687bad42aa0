package manifest

import "time"

// InferStatus returns the effective run status. Explicit terminal statuses
// win; otherwise the status is inferred from chunk states: all VALIDATED →
// complete; every chunk terminal with at least one FAILED → failed; while
// any chunk is still in flight the stored status stands. An empty run
// (max_units=0) with no chunks
// counts as complete once it has been initialised.
func InferStatus(m *Manifest) string {
	status := m.Status
	if IsTerminalStatus(status) || status == StatusPaused {
		return status
	}
	if len(m.Chunks) == 0 {
		if status == StatusPending {
			return status
		}
		return StatusComplete
	}
	validated, failed := 0, 0
	for _, c := range m.Chunks {
		switch c.State {
		case ChunkValidated:
			validated++
		case ChunkFailed:
			failed++
		}
	}
	if validated == len(m.Chunks) {
		return StatusComplete
	}
	if failed > 0 && validated+failed == len(m.Chunks) {
		return StatusFailed
	}
	return status
}

// AutoCorrect reconciles a drifted status field: when every chunk is
// terminal but the stored status is not, the status is corrected in place
// and the appropriate terminal timestamp stamped. Returns true when the
// manifest changed and should be re-saved. No chunk data is altered.
func AutoCorrect(m *Manifest) bool {
	if IsTerminalStatus(m.Status) {
		return false
	}
	if !m.AllChunksTerminal() {
		return false
	}
	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	failed := false
	for _, c := range m.Chunks {
		if c.State == ChunkFailed {
			failed = true
			break
		}
	}
	if failed {
		m.Status = StatusFailed
		if m.FailedAt == "" {
			m.FailedAt = now
		}
	} else {
		m.Status = StatusComplete
		if m.CompletedAt == "" {
			m.CompletedAt = now
		}
	}
	return true
}
