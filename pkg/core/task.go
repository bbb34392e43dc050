package core

import "time"

// UploadTask is a unit of work handed from the polling activity to the reporter.
type UploadTask struct {
	Path       string    `json:"path"`
	Match      Match     `json:"match"`
	Signature  Signature `json:"signature"`
	Offset     int64     `json:"offset"`
	DetectedAt time.Time `json:"detected_at"`
}

// Decision is the outcome of admitting one matched event.
type Decision string

const (
	DecisionEnqueued    Decision = "enqueued"
	DecisionBlacklisted Decision = "blacklisted"
	DecisionCooldown    Decision = "cooldown"
	DecisionThrottled   Decision = "throttled"
	DecisionBurst       Decision = "burst"
	DecisionQueueFull   Decision = "queue_full"
)

// Dropped reports whether the event was not enqueued.
func (d Decision) Dropped() bool {
	return d != DecisionEnqueued
}

// ReportResult describes what the reporter did with one task.
type ReportResult struct {
	Title      string    `json:"title"`
	Signature  Signature `json:"signature"`
	Path       string    `json:"path"`
	IncidentID int       `json:"incident_id,omitempty"`
	Existing   bool      `json:"existing"`
	Created    bool      `json:"created"`
	Attached   bool      `json:"attached"`
	Err        string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// OK reports whether the incident already existed or was created with the
// log attached.
func (r ReportResult) OK() bool {
	return r.Err == "" && r.IncidentID > 0 && (r.Existing || r.Attached)
}
