package daemon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/notify"
	"github.com/modoterra/tripwire/pkg/transport/uds"
)

const (
	pumpBuffer     = 64
	publishTimeout = 10 * time.Second
)

// Broadcaster pushes an event to connected clients.
type Broadcaster interface {
	Broadcast(msg uds.Message)
}

// Pump fans report results out to socket clients and an optional publisher.
// Observe never blocks, so the reporting worker is never held up by a slow
// broker.
type Pump struct {
	out    Broadcaster
	logger *slog.Logger

	mu  sync.RWMutex
	pub notify.Publisher

	ch      chan core.ReportResult
	dropped atomic.Uint64
}

// NewPump creates a Pump. pub may be nil.
func NewPump(out Broadcaster, pub notify.Publisher, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{out: out, pub: pub, logger: logger, ch: make(chan core.ReportResult, pumpBuffer)}
}

// SetPublisher installs the external publisher. Call before Run.
func (p *Pump) SetPublisher(pub notify.Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pub = pub
}

// Observe queues r for delivery, dropping it when the buffer is full.
func (p *Pump) Observe(r core.ReportResult) {
	select {
	case p.ch <- r:
	default:
		p.dropped.Add(1)
		p.logger.Warn("event buffer full, dropping incident event", "title", r.Title)
	}
}

// Dropped returns how many events were discarded.
func (p *Pump) Dropped() uint64 { return p.dropped.Load() }

// Run delivers queued events until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-p.ch:
			p.deliver(ctx, r)
		}
	}
}

func (p *Pump) deliver(ctx context.Context, r core.ReportResult) {
	evt, err := uds.NewEvent(uds.EventIncidentReported, r)
	if err != nil {
		p.logger.Error("encode incident event", "err", err)
	} else {
		p.out.Broadcast(evt)
	}

	p.mu.RLock()
	pub := p.pub
	p.mu.RUnlock()
	if pub == nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := pub.Publish(pctx, r); err != nil {
		p.logger.Error("publish incident event", "title", r.Title, "err", err)
	}
}
