package speech

import (
	"regexp"
	"strings"
	"unicode"
)

// DefaultMaxSegmentChars keeps each synthesized segment short so the first
// audio arrives quickly.
const DefaultMaxSegmentChars = 160

const minSegmentChars = 24

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	markupReplacer            = strings.NewReplacer(
		"*", " ", "_", " ", "\\", " ", "/", " ", "|", " ",
		"#", " ", "~", " ", "<", " ", ">", " ",
	)
)

// SplitSegments sanitizes text and cuts it into speakable segments of at
// most maxChars bytes, preferring sentence ends, then clause marks, then
// whitespace.
func SplitSegments(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxSegmentChars
	}
	rest := Sanitize(text)
	var out []string
	for rest != "" {
		if len(rest) <= maxChars {
			out = append(out, rest)
			break
		}
		cut := cutPoint(rest, maxChars)
		seg := strings.TrimSpace(rest[:cut])
		rest = strings.TrimSpace(rest[cut:])
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func cutPoint(s string, maxChars int) int {
	window := s[:maxChars]
	if idx := strings.LastIndexAny(window, ".?!"); idx+1 >= minSegmentChars {
		return idx + 1
	}
	if idx := strings.LastIndexAny(window, ",;:"); idx+1 >= minSegmentChars {
		return idx + 1
	}
	if idx := strings.LastIndexByte(window, ' '); idx >= minSegmentChars {
		return idx
	}
	// No usable boundary: hard cut, backing up to a rune start.
	cut := maxChars
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		return maxChars
	}
	return cut
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Sanitize removes markup and symbol noise so speech sounds conversational.
func Sanitize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = markupReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			continue
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}

// Preview shortens text for tts_start frames.
func Preview(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return strings.TrimSpace(text[:cut]) + "..."
}
