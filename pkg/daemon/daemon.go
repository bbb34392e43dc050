// Package daemon exposes a running agent over the local control socket.
package daemon

import (
	"context"
	"log/slog"
	"os"

	"github.com/modoterra/tripwire/internal/buildinfo"
	"github.com/modoterra/tripwire/pkg/agent"
	"github.com/modoterra/tripwire/pkg/flood"
	"github.com/modoterra/tripwire/pkg/transport/uds"
)

// StatsSource is the part of agent.Controller the daemon reads.
type StatsSource interface {
	Running() bool
	Stats() agent.Stats
	Blacklist() []flood.Blackout
}

// Daemon serves Ping, Stats and Blacklist and pushes incident events.
type Daemon struct {
	server *uds.Server
	source StatsSource
	events *Pump
	logger *slog.Logger
}

// New creates a daemon serving source on socketPath.
func New(socketPath string, source StatsSource, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		server: uds.NewServer(socketPath, logger.With("component", "uds")),
		source: source,
		logger: logger,
	}
	d.events = NewPump(d.server, nil, logger.With("component", "events"))
	d.registerHandlers()
	return d
}

// Events returns the incident event pump.
func (d *Daemon) Events() *Pump { return d.events }

// Listen binds the socket so clients can connect as soon as it returns.
func (d *Daemon) Listen() error {
	return d.server.Listen()
}

// Run serves clients and pumps events until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	go d.events.Run(ctx)
	return d.server.Start(ctx)
}

// Shutdown closes every client and removes the socket.
func (d *Daemon) Shutdown() {
	d.server.Shutdown()
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodStats, d.handleStats)
	d.server.Handle(uds.MethodBlacklist, d.handleBlacklist)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{
		Pong:    true,
		Version: buildinfo.Version,
		PID:     os.Getpid(),
		Running: d.source.Running(),
	}, nil
}

func (d *Daemon) handleStats(_ context.Context, _ uds.Message) (any, error) {
	return d.source.Stats(), nil
}

func (d *Daemon) handleBlacklist(_ context.Context, _ uds.Message) (any, error) {
	bl := d.source.Blacklist()
	if bl == nil {
		bl = []flood.Blackout{}
	}
	return bl, nil
}
