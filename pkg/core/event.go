package core

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the level keyword that made a line reportable.
type Severity string

const (
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// LineEvent is one complete line read from a monitored file.
type LineEvent struct {
	Path       string    `json:"path"`
	Text       string    `json:"text"`
	Offset     int64     `json:"offset"` // byte offset just past the line's terminator
	DetectedAt time.Time `json:"detected_at"`
}

// Match is the classifier's verdict for a reportable line.
type Match struct {
	Reason   string   `json:"reason"`
	Severity Severity `json:"severity"`
	Line     string   `json:"line"`
}

// Signature groups occurrences of the same underlying error.
type Signature string

// IncidentTitle builds the dedup title for an incident: "<user> - <core>".
func IncidentTitle(user, core string) string {
	return fmt.Sprintf("%s - %s", user, core)
}

// ParseIncidentTitle splits a title back into user and core.
func ParseIncidentTitle(title string) (user, core string, err error) {
	user, core, ok := strings.Cut(title, " - ")
	if !ok || user == "" || core == "" {
		return "", "", fmt.Errorf("invalid incident title %q: expected \"<user> - <core>\"", title)
	}
	return user, core, nil
}
