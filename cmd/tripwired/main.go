package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"

	"github.com/modoterra/tripwire/internal/buildinfo"
	"github.com/modoterra/tripwire/pkg/agent"
	"github.com/modoterra/tripwire/pkg/config"
	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/daemon"
	"github.com/modoterra/tripwire/pkg/notify"
)

const (
	exitOK     = 0
	exitFail   = 1
	exitConfig = 2

	projectCheckTimeout = 30 * time.Second
	statsInterval       = time.Second
)

type options struct {
	configPath string
	socketPath string
	logLevel   string
	logFormat  string
	dryRun     bool
	version    bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("tripwired", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "path to config file (.yaml or .toml)")
	fs.StringVar(&opts.socketPath, "socket", "", "control socket path (overrides socket_path)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "report to an in-memory store instead of the configured backend")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitConfig
	}
	if opts.version {
		fmt.Fprintf(stdout, "tripwired %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		return exitOK
	}

	logger, err := newLogger(opts.logLevel, opts.logFormat, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		return exitConfig
	}
	if opts.socketPath != "" {
		cfg.SocketPath = opts.socketPath
	}
	if opts.dryRun {
		cfg.Upload.Backend = config.BackendMemory
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			logger.Error("invalid config", "path", opts.configPath, "err", e)
		}
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, opts.dryRun, logger)
}

func serve(ctx context.Context, cfg *config.Config, dryRun bool, logger *slog.Logger) int {
	backend, err := agent.OpenBackend(ctx, cfg.Upload, dryRun, logger)
	if err != nil {
		logger.Error("open backend", "err", err)
		return exitFail
	}
	defer backend.Close()

	pctx, cancel := context.WithTimeout(ctx, projectCheckTimeout)
	err = agent.CheckProject(pctx, backend, cfg.Upload.ShotgunProjectID)
	cancel()
	if err != nil {
		logger.Error("project check failed, not starting", "project", cfg.Upload.ShotgunProjectID, "err", err)
		return exitFail
	}

	var d *daemon.Daemon
	ctrl := agent.New(backend, logger, agent.WithObserver(func(r core.ReportResult) {
		d.Events().Observe(r)
	}))
	d = daemon.New(cfg.SocketPath, ctrl, logger)

	if len(cfg.Events.Brokers) > 0 {
		k, err := notify.NewKafka(cfg.Events.Brokers, cfg.Events.Topic)
		if err != nil {
			logger.Error("incident events disabled", "err", err)
		} else {
			defer k.Close()
			d.Events().SetPublisher(k)
			logger.Info("publishing incident events", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
		}
	}

	runner := agent.NewRunner(ctrl, nil, logger)
	started, err := runner.Start(cfg)
	if err != nil {
		logger.Error("start agent", "err", err)
		return exitFail
	}
	if !started {
		return exitOK
	}
	defer runner.Stop()

	if err := d.Listen(); err != nil {
		logger.Error("control socket", "err", err)
		return exitFail
	}
	defer d.Shutdown()

	go daemon.NewStatsLoop(d, statsInterval, logger).Run(ctx)
	go watchdog(ctx, ctrl, logger)
	notifySystemd(logger, sddaemon.SdNotifyReady)

	logger.Info("tripwired running", "version", buildinfo.Version, "socket", cfg.SocketPath, "dry_run", dryRun)
	if err := d.Run(ctx); err != nil {
		logger.Error("daemon error", "err", err)
		notifySystemd(logger, sddaemon.SdNotifyStopping)
		return exitFail
	}

	logger.Info("shutting down")
	notifySystemd(logger, sddaemon.SdNotifyStopping)
	return exitOK
}

func notifySystemd(logger *slog.Logger, state string) {
	if _, err := sddaemon.SdNotify(false, state); err != nil {
		logger.Debug("sd_notify", "state", state, "err", err)
	}
}

// watchdog pings systemd at half the configured interval while the agent
// runs. It returns at once when no watchdog is configured.
func watchdog(ctx context.Context, ctrl *agent.Controller, logger *slog.Logger) {
	interval, err := sddaemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctrl.Running() {
				notifySystemd(logger, sddaemon.SdNotifyWatchdog)
			}
		}
	}
}
