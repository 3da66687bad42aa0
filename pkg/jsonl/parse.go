package jsonl

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	plusObjectValue = regexp.MustCompile(`"\s*:\s*\+(\d)`)
	plusArrayStart  = regexp.MustCompile(`\[\s*\+(\d)`)
	plusArrayCont   = regexp.MustCompile(`,\s*\+(\d)`)
	trailingComma   = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseResponse parses JSON out of raw LLM response text.
//
// Models wrap JSON in markdown code fences and occasionally emit lints that
// encoding/json rejects: `+`-prefixed numbers and trailing commas. Those are
// repaired before decoding. Returns nil when no JSON object can be
// recovered.
func ParseResponse(text string) Record {
	if text == "" {
		return nil
	}
	text = strings.TrimSpace(text)

	// Extract from a ```json fence first, then a bare ``` fence.
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end > 0 {
			text = strings.TrimSpace(text[start : start+end])
		}
	} else if idx := strings.Index(text, "```"); idx >= 0 {
		start := idx + 3
		if end := strings.Index(text[start:], "```"); end > 0 {
			text = strings.TrimSpace(text[start : start+end])
		}
	}

	// `"key": +4`, `[+4`, `, +4`. The rewrites are textual: the same
	// patterns inside a string value are rewritten too.
	text = plusObjectValue.ReplaceAllString(text, `": $1`)
	text = plusArrayStart.ReplaceAllString(text, `[$1`)
	text = plusArrayCont.ReplaceAllString(text, `, $1`)
	text = trailingComma.ReplaceAllString(text, `$1`)

	var rec Record
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return nil
	}
	return rec
}
