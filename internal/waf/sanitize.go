package waf

import (
	"sort"
	"strings"
)

// sanitize rewrites matched spans right-to-left so earlier replacements do
// not shift later positions. Secrets become redaction placeholders, XSS is
// HTML-escaped, everything else is replaced by a blocked marker.
func sanitize(text string, detections []Detection) string {
	if len(detections) == 0 {
		return text
	}

	sorted := make([]Detection, len(detections))
	copy(sorted, detections)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartPos > sorted[j].StartPos })

	out := text
	for _, d := range sorted {
		if d.StartPos < 0 || d.EndPos > len(out) || d.StartPos > d.EndPos {
			continue
		}
		var replacement string
		switch d.AttackType {
		case AttackSecretLeak:
			replacement = "[REDACTED-" + strings.ToUpper(d.PatternName) + "]"
		case AttackXSS:
			replacement = htmlEncode(d.MatchedText)
		default:
			replacement = "[BLOCKED-" + strings.ToUpper(string(d.AttackType)) + "]"
		}
		out = out[:d.StartPos] + replacement + out[d.EndPos:]
	}
	return out
}

func htmlEncode(text string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#x27;",
	)
	return r.Replace(text)
}
