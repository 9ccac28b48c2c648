// Package jsonrepair extracts best-effort JSON from free-form model
// output. Language models asked for structured replies routinely wrap
// them in prose, emit control characters, leave trailing commas, or
// forget to quote keys — malformed output is the expected common case
// here, not an edge case. Repair is a textual heuristic, not a parser:
// it never fails, and the caller's json.Unmarshal attempt is expected
// to fail cleanly if the text is beyond saving.
package jsonrepair

import (
	"regexp"
	"strings"
)

var (
	controlChars  = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f-]")
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
	bareKeys      = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
	spaces        = regexp.MustCompile(`\s+`)
)

// Repair cleans s into text that is more likely to parse as JSON.
// It strips non-printable control characters, cuts the substring
// between the first '{' and the last '}' (tolerating explanatory prose
// before and after), removes trailing commas before closing brackets,
// quotes bare identifier keys, and collapses redundant whitespace.
// If no brace pair is found, s is returned unchanged.
func Repair(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	out := s[start : end+1]

	out = controlChars.ReplaceAllString(out, "")
	out = trailingComma.ReplaceAllString(out, "$1")
	out = bareKeys.ReplaceAllString(out, `$1"$2":`)
	out = spaces.ReplaceAllString(out, " ")

	return strings.TrimSpace(out)
}
