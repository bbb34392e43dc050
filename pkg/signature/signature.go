// Package signature derives grouping keys and human-readable title cores
// from matched log lines.
package signature

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/modoterra/tripwire/pkg/core"
)

// MaxExcerpt caps the length of an excerpt used as a title core.
const MaxExcerpt = 80

var (
	classRe     = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*(?:Error|Exception)`)
	timestampRe = regexp.MustCompile(`^\s*\d{4}-\d{2}-\d{2}\s+\d{1,2}:\d{2}:\d{2}(?:,\d+)?\s*`)
	bracketRe   = regexp.MustCompile(`^\s*\[[^\]]+\]\s*`)
	controlRe   = regexp.MustCompile(`[\r\n\t]+`)
)

// ErrorClass returns the first error-class-like identifier in text,
// e.g. "ValueError" or "TimeoutException", in its original case.
func ErrorClass(text string) (string, bool) {
	m := classRe.FindString(text)
	return m, m != ""
}

// Of returns the throttling signature of text: the lowercased error class
// when one is present, otherwise a hash of the normalized text.
func Of(text string) core.Signature {
	if class, ok := ErrorClass(text); ok {
		return core.Signature(strings.ToLower(class))
	}
	return core.Signature(Hash(Normalize(text)))
}

// Normalize lowercases text and collapses runs of whitespace.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Hash returns a 40 character hex digest of text.
func Hash(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:20])
}

// StripPreamble removes one leading "YYYY-MM-DD HH:MM:SS[,ms]" timestamp and
// then one leading bracketed block such as "[2764 ERROR tk-maya]".
func StripPreamble(line string) string {
	if line == "" {
		return ""
	}
	line = timestampRe.ReplaceAllString(line, "")
	return bracketRe.ReplaceAllString(line, "")
}

// Excerpt collapses whitespace and truncates to max runes.
func Excerpt(text string, max int) string {
	s := strings.Join(strings.Fields(text), " ")
	r := []rune(s)
	if len(r) > max {
		return string(r[:max])
	}
	return s
}

// TitleCore picks the human-readable part of an incident title for line.
func TitleCore(line string) string {
	stripped := StripPreamble(line)
	if class, ok := ErrorClass(stripped); ok {
		return class
	}
	if stripped == "" {
		stripped = "Unknown error"
	}
	if ex := Excerpt(stripped, MaxExcerpt); ex != "" {
		return ex
	}
	return Hash(line)[:10]
}

// Flatten replaces newline and tab runs with a single space and trims.
func Flatten(s string) string {
	return strings.TrimSpace(controlRe.ReplaceAllString(s, " "))
}
