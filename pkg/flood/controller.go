// Package flood decides which matched events may be reported, applying
// per-signature cooldown, burst blacklisting and a global rate cap.
//
// A Controller is owned by a single goroutine and is not safe for
// concurrent use; Stats and Blackouts return copies for other readers.
package flood

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/signature"
)

// Window is the fixed length of the global rate window.
const Window = 60 * time.Second

// Policy holds the tunables. Zero values are replaced by DefaultPolicy's.
type Policy struct {
	Cooldown       time.Duration
	MaxPerWindow   int
	BurstThreshold int
	BurstWindow    time.Duration
	Blackout       time.Duration
}

// DefaultPolicy returns the stock limits.
func DefaultPolicy() Policy {
	return Policy{
		Cooldown:       60 * time.Second,
		MaxPerWindow:   10,
		BurstThreshold: 5,
		BurstWindow:    10 * time.Second,
		Blackout:       300 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.MaxPerWindow <= 0 {
		p.MaxPerWindow = d.MaxPerWindow
	}
	if p.BurstThreshold <= 0 {
		p.BurstThreshold = d.BurstThreshold
	}
	if p.BurstWindow <= 0 {
		p.BurstWindow = d.BurstWindow
	}
	if p.Blackout <= 0 {
		p.Blackout = d.Blackout
	}
	return p
}

// Enqueuer accepts tasks without blocking, reporting false when full.
type Enqueuer interface {
	TryEnqueue(core.UploadTask) bool
}

// Blackout is a blacklisted signature and when it expires.
type Blackout struct {
	Signature core.Signature `json:"signature"`
	Until     time.Time      `json:"until"`
}

// Controller applies Policy to a stream of matched events.
type Controller struct {
	policy Policy
	queue  Enqueuer
	logger *slog.Logger

	lastAdmitted map[core.Signature]time.Time
	hits         map[core.Signature][]time.Time
	blacklist    map[core.Signature]time.Time
	uploads      []time.Time

	decisions map[core.Decision]uint64
}

// New creates a Controller feeding q.
func New(policy Policy, q Enqueuer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		policy:       policy.withDefaults(),
		queue:        q,
		logger:       logger,
		lastAdmitted: make(map[core.Signature]time.Time),
		hits:         make(map[core.Signature][]time.Time),
		blacklist:    make(map[core.Signature]time.Time),
		decisions:    make(map[core.Decision]uint64),
	}
}

// Policy returns the effective limits.
func (c *Controller) Policy() Policy { return c.policy }

// Admit runs one matched event through the checks in order and enqueues it
// when all pass. The event's detection time is used as the current time.
func (c *Controller) Admit(ev core.LineEvent, m core.Match) core.Decision {
	sig := signature.Of(m.Line)
	d := c.admit(ev, m, sig, ev.DetectedAt)
	c.decisions[d]++
	return d
}

func (c *Controller) admit(ev core.LineEvent, m core.Match, sig core.Signature, now time.Time) core.Decision {
	if until, ok := c.blacklist[sig]; ok {
		if now.Before(until) {
			c.logger.Debug("signature blacklisted", "signature", sig, "until", until)
			return core.DecisionBlacklisted
		}
		delete(c.blacklist, sig)
	}

	if last, ok := c.lastAdmitted[sig]; ok && now.Sub(last) < c.policy.Cooldown {
		c.logger.Debug("signature cooling down", "signature", sig, "last", last)
		if c.recordHit(sig, now) {
			return core.DecisionBurst
		}
		return core.DecisionCooldown
	}

	if !c.globalAllows(now) {
		c.logger.Warn("global upload rate reached", "max", c.policy.MaxPerWindow, "window", Window, "signature", sig)
		if c.recordHit(sig, now) {
			return core.DecisionBurst
		}
		return core.DecisionThrottled
	}

	if c.recordHit(sig, now) {
		return core.DecisionBurst
	}

	task := core.UploadTask{
		Path:       ev.Path,
		Match:      m,
		Signature:  sig,
		Offset:     ev.Offset,
		DetectedAt: now,
	}
	if !c.queue.TryEnqueue(task) {
		c.logger.Warn("upload queue full, dropping", "path", ev.Path, "signature", sig)
		return core.DecisionQueueFull
	}

	c.lastAdmitted[sig] = now
	c.uploads = append(c.uploads, now)
	c.logger.Info("incident queued", "signature", sig, "path", ev.Path, "offset", ev.Offset)
	return core.DecisionEnqueued
}

// recordHit appends a hit for sig and blacklists it when the burst
// threshold is reached. It reports whether a blackout started.
func (c *Controller) recordHit(sig core.Signature, now time.Time) bool {
	hits := c.hits[sig]
	i := 0
	for i < len(hits) && now.Sub(hits[i]) > c.policy.BurstWindow {
		i++
	}
	hits = append(hits[i:], now)

	if len(hits) >= c.policy.BurstThreshold {
		until := now.Add(c.policy.Blackout)
		c.blacklist[sig] = until
		delete(c.hits, sig)
		c.logger.Warn("burst detected, blacklisting signature",
			"signature", sig, "hits", len(hits), "until", until)
		return true
	}
	c.hits[sig] = hits
	return false
}

func (c *Controller) globalAllows(now time.Time) bool {
	i := 0
	for i < len(c.uploads) && now.Sub(c.uploads[i]) > Window {
		i++
	}
	c.uploads = c.uploads[i:]
	return len(c.uploads) < c.policy.MaxPerWindow
}

// Prune forgets per-signature state that can no longer influence a
// decision at now.
func (c *Controller) Prune(now time.Time) {
	for sig, until := range c.blacklist {
		if !now.Before(until) {
			delete(c.blacklist, sig)
		}
	}
	for sig, last := range c.lastAdmitted {
		if now.Sub(last) >= c.policy.Cooldown {
			delete(c.lastAdmitted, sig)
		}
	}
	for sig, hits := range c.hits {
		if len(hits) == 0 || now.Sub(hits[len(hits)-1]) > c.policy.BurstWindow {
			delete(c.hits, sig)
		}
	}
}

// Blackouts lists active blacklist entries at now, soonest expiry first.
func (c *Controller) Blackouts(now time.Time) []Blackout {
	out := make([]Blackout, 0, len(c.blacklist))
	for sig, until := range c.blacklist {
		if now.Before(until) {
			out = append(out, Blackout{Signature: sig, Until: until})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Until.Before(out[j].Until) })
	return out
}

// Stats is a snapshot of decision counters.
type Stats struct {
	Decisions map[core.Decision]uint64 `json:"decisions"`
	InWindow  int                      `json:"in_window"`
}

// Stats returns a copy of the counters.
func (c *Controller) Stats() Stats {
	d := make(map[core.Decision]uint64, len(c.decisions))
	for k, v := range c.decisions {
		d[k] = v
	}
	return Stats{Decisions: d, InWindow: len(c.uploads)}
}

func (p Policy) String() string {
	return fmt.Sprintf("cooldown=%s max=%d/%s burst=%d/%s blackout=%s",
		p.Cooldown, p.MaxPerWindow, Window, p.BurstThreshold, p.BurstWindow, p.Blackout)
}
