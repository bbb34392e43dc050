package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/modoterra/tripwire/pkg/agent"
	"github.com/modoterra/tripwire/pkg/transport/uds"
)

// Audience is a Broadcaster that knows how many clients are listening.
type Audience interface {
	Broadcaster
	Clients() int
}

// StatsLoop samples agent statistics every interval and pushes a
// stats.updated event when a counter moved. Nothing is sampled while no
// client is connected; a new client fetches Stats itself.
type StatsLoop struct {
	source   StatsSource
	out      Audience
	interval time.Duration
	logger   *slog.Logger

	last counters
}

// NewStatsLoop creates a loop for the daemon's source and server.
func NewStatsLoop(d *Daemon, interval time.Duration, logger *slog.Logger) *StatsLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsLoop{source: d.source, out: d.server, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (sl *StatsLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(sl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sl.tick()
		}
	}
}

func (sl *StatsLoop) tick() {
	if sl.out.Clients() == 0 {
		return
	}
	st := sl.source.Stats()
	cur := countersOf(st)
	if cur == sl.last {
		return
	}
	sl.last = cur

	evt, err := uds.NewEvent(uds.EventStatsUpdated, st)
	if err != nil {
		sl.logger.Error("encode stats event", "err", err)
		return
	}
	sl.out.Broadcast(evt)
}

// counters is the comparable part of agent.Stats.
type counters struct {
	running   bool
	lines     uint64
	matches   uint64
	admitted  uint64
	dropped   uint64
	queued    int
	reported  uint64
	failed    uint64
	files     int
	blackouts int
}

func countersOf(st agent.Stats) counters {
	return counters{
		running:   st.Running,
		lines:     st.Lines,
		matches:   st.Matches,
		admitted:  st.Admitted(),
		dropped:   st.Dropped(),
		queued:    st.Queue.Len,
		reported:  st.Reported,
		failed:    st.Failed,
		files:     len(st.Files),
		blackouts: len(st.Blackouts),
	}
}
