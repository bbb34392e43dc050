package agent

import (
	"time"

	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/dispatch"
	"github.com/modoterra/tripwire/pkg/flood"
)

// File is a tracked log file and its read position.
type File struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
}

// Stats describes the current or most recent run.
type Stats struct {
	Running   bool                     `json:"running"`
	StartedAt time.Time                `json:"started_at,omitempty"`
	LogDir    string                   `json:"log_dir"`
	Policy    string                   `json:"policy"`
	Lines     uint64                   `json:"lines"`
	Matches   uint64                   `json:"matches"`
	Decisions map[core.Decision]uint64 `json:"decisions"`
	InWindow  int                      `json:"in_window"`
	Queue     dispatch.Stats           `json:"queue"`
	Reported  uint64                   `json:"reported"`
	Failed    uint64                   `json:"failed"`
	Files     []File                   `json:"files"`
	Blackouts []flood.Blackout         `json:"blackouts"`
	Recent    []core.ReportResult      `json:"recent"`
}

// Admitted returns the number of events that reached the queue.
func (s Stats) Admitted() uint64 {
	return s.Decisions[core.DecisionEnqueued]
}

// Dropped returns the number of matched events that were not enqueued.
func (s Stats) Dropped() uint64 {
	var n uint64
	for d, v := range s.Decisions {
		if d.Dropped() {
			n += v
		}
	}
	return n
}

// Stats returns a snapshot. Flood counters lag by at most one poll cycle.
func (c *Controller) Stats() Stats {
	r := c.current.Load()
	if r == nil {
		return Stats{Decisions: map[core.Decision]uint64{}}
	}

	c.snapMu.Lock()
	snap := c.snap
	recent := append([]core.ReportResult(nil), c.recent...)
	c.snapMu.Unlock()

	reported, failed := r.worker.Counts()
	cursors := r.source.Cursors()
	files := make([]File, 0, len(cursors))
	for _, cur := range cursors {
		files = append(files, File{Path: cur.Path, Offset: cur.Offset})
	}

	return Stats{
		Running:   r.running.Load(),
		StartedAt: r.startedAt,
		LogDir:    r.cfg.LogDir,
		Policy:    r.flood.Policy().String(),
		Lines:     r.lines.Load(),
		Matches:   r.matches.Load(),
		Decisions: snap.stats.Decisions,
		InWindow:  snap.stats.InWindow,
		Queue:     r.queue.Stats(),
		Reported:  reported,
		Failed:    failed,
		Files:     files,
		Blackouts: snap.blackouts,
		Recent:    recent,
	}
}

// Blacklist returns the signatures currently blacked out.
func (c *Controller) Blacklist() []flood.Blackout {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return append([]flood.Blackout(nil), c.snap.blackouts...)
}
