package provider

import "strings"

// NormalizeStatus maps a raw vendor status code to the BatchStatus enum
// using a static table first and a substring heuristic second. The
// two-tier strategy survives vendor version drift: a new status code that
// contains a recognisable word still classifies correctly.
func NormalizeStatus(table map[string]BatchStatus, raw string) BatchStatus {
	if status, ok := table[raw]; ok {
		return status
	}
	if status, ok := table[strings.ToLower(raw)]; ok {
		return status
	}
	return classifyStatus(raw)
}

// classifyStatus is the fallback heuristic for unknown vendor codes.
func classifyStatus(raw string) BatchStatus {
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, "SUCCEEDED"), strings.Contains(upper, "COMPLETED"), strings.Contains(upper, "ENDED"):
		return BatchCompleted
	case strings.Contains(upper, "CANCEL"):
		return BatchCancelled
	case strings.Contains(upper, "FAIL"), strings.Contains(upper, "ERROR"), strings.Contains(upper, "EXPIRED"):
		return BatchFailed
	case strings.Contains(upper, "RUNNING"), strings.Contains(upper, "PROGRESS"), strings.Contains(upper, "PROCESSING"), strings.Contains(upper, "FINALIZING"):
		return BatchRunning
	default:
		return BatchPending
	}
}

func containsAny(s string, substrings ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
