package dashscope

import (
	"strings"
	"unicode/utf8"
)

// MaxInputChars is the longest input the DashScope embedding API accepts.
const MaxInputChars = 8000

// truncationMarker is appended to inputs cut at MaxInputChars.
const truncationMarker = "..."

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Sanitize prepares text for the embedding API: null bytes are removed, line
// endings normalised to "\n", surrounding whitespace trimmed, and anything
// beyond MaxInputChars characters replaced by "...".
//
// Sanitize is idempotent and its result never exceeds MaxInputChars+3
// characters.
func Sanitize(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = lineEndings.Replace(text)
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= MaxInputChars {
		return text
	}
	return string([]rune(text)[:MaxInputChars]) + truncationMarker
}

// truncated reports whether Sanitize would cut text.
func truncated(text string) bool {
	return utf8.RuneCountInString(text) > MaxInputChars
}
