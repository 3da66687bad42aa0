package diagnostics

import (
	"time"

	"github.com/chunkflow/chunkflow/pkg/manifest"
)

// BatchTiming summarises how long submitted batches have been in flight.
type BatchTiming struct {
	InFlight int `json:"in_flight"`
	// OldestSubmittedAt is the earliest submission timestamp among
	// in-flight batches, empty when none.
	OldestSubmittedAt string `json:"oldest_submitted_at,omitempty"`
	// OldestAgeSeconds is the age of that submission.
	OldestAgeSeconds int `json:"oldest_age_seconds"`
	// Stale flags an in-flight batch older than the staleness budget.
	Stale bool `json:"stale"`
}

// staleAfter is how long a submitted batch may sit before the probe
// flags it. Vendor batch windows run to 24h; anything past that is
// stuck.
const staleAfter = 24 * time.Hour

// ProbeBatchTiming inspects the manifest's submitted chunks.
func ProbeBatchTiming(m *manifest.Manifest, now time.Time) BatchTiming {
	var timing BatchTiming
	var oldest time.Time

	for _, chunk := range m.Chunks {
		if chunk.BatchID == "" || chunk.SubmittedAt == "" {
			continue
		}
		submitted, err := time.Parse("2006-01-02T15:04:05Z", chunk.SubmittedAt)
		if err != nil {
			continue
		}
		timing.InFlight++
		if oldest.IsZero() || submitted.Before(oldest) {
			oldest = submitted
		}
	}

	if !oldest.IsZero() {
		timing.OldestSubmittedAt = oldest.Format("2006-01-02T15:04:05Z")
		age := now.Sub(oldest)
		timing.OldestAgeSeconds = int(age.Seconds())
		timing.Stale = age > staleAfter
	}
	return timing
}
