// Package classify decides whether a log line is reportable.
package classify

import (
	"regexp"

	"github.com/modoterra/tripwire/pkg/core"
)

// ReasonSeverity is the only match reason currently produced.
const ReasonSeverity = "severity"

var severityRe = regexp.MustCompile(`\b(ERROR|CRITICAL)\b`)

// Classifier matches lines that carry an ERROR or CRITICAL keyword.
// Matching is case-sensitive and needs word boundaries, so "ERRORS" and
// "error" do not match.
type Classifier struct {
	re *regexp.Regexp
}

// New returns the default severity classifier.
func New() *Classifier {
	return &Classifier{re: severityRe}
}

// Match returns the verdict for line and whether it is reportable.
// When both keywords appear, the leftmost one wins.
func (c *Classifier) Match(line string) (core.Match, bool) {
	m := c.re.FindStringSubmatch(line)
	if m == nil {
		return core.Match{}, false
	}
	return core.Match{
		Reason:   ReasonSeverity,
		Severity: core.Severity(m[1]),
		Line:     line,
	}, true
}
