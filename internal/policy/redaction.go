package policy

import "regexp"

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Rules run in order. Spoken secrets and keys go first so their digits are
// not later mistaken for phone numbers; cards run before phones for the same
// reason.
var transcriptRules = []redactionRule{
	{
		pattern:     regexp.MustCompile(`(?i)\b(password|passcode|pin|security code)(\s+is)?\s+\S+`),
		replacement: "${1} [REDACTED_SECRET]",
	},
	{
		pattern:     regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}`),
		replacement: "[REDACTED_KEY]",
	},
	{
		pattern:     regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		replacement: "[REDACTED_EMAIL]",
	},
	{
		pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
		replacement: "[REDACTED_CARD]",
	},
	{
		pattern:     regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`),
		replacement: "[REDACTED_PHONE]",
	},
}

// RedactTranscript masks personal data a caller may speak aloud so
// transcripts can be logged.
func RedactTranscript(text string) (redacted string, changed bool) {
	out := text
	for _, rule := range transcriptRules {
		next := rule.pattern.ReplaceAllString(out, rule.replacement)
		if next != out {
			changed = true
			out = next
		}
	}
	return out, changed
}
