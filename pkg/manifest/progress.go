package manifest

// Progress computes run progress percent at step granularity.
//
// With T chunks and S pipeline steps, total work is T*S. A VALIDATED chunk
// contributes S completed steps; a chunk sitting at step k (pending or
// submitted) contributes k, the number of steps already behind it. The
// result is floor(completed/total*100). A complete run reports 100
// regardless of counter drift.
func Progress(m *Manifest) int {
	if InferStatus(m) == StatusComplete {
		return 100
	}
	if len(m.Chunks) == 0 || len(m.Pipeline) == 0 {
		return 0
	}
	totalSteps := len(m.Pipeline)
	totalWork := len(m.Chunks) * totalSteps
	completed := 0
	for _, c := range m.Chunks {
		switch {
		case c.State == ChunkValidated:
			completed += totalSteps
		case c.State == ChunkFailed:
			// A failed chunk's completed prefix is unknowable from the
			// state string alone; it contributes nothing.
		default:
			if idx := m.StepIndex(c.State); idx > 0 {
				completed += idx
			}
		}
	}
	if totalWork == 0 {
		return 0
	}
	return completed * 100 / totalWork
}
