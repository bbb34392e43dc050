package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/modoterra/tripwire/internal/buildinfo"
	"github.com/modoterra/tripwire/pkg/agent"
	"github.com/modoterra/tripwire/pkg/config"
	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/daemon/service"
	"github.com/modoterra/tripwire/pkg/flood"
	"github.com/modoterra/tripwire/pkg/transport/uds"
	tuimodel "github.com/modoterra/tripwire/pkg/tui/model"
)

var (
	socketPath string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "tripwire",
	Short:         "Watch application logs and report new errors as incidents",
	Long:          "tripwire talks to the tripwired agent: it shows live counters, reported incidents and blacked-out signatures, and manages the agent's config and service unit.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (default: socket_path from the config)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "config file")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(blacklistCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

// resolveSocket prefers --socket, then the config file, then the default.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if cfg, err := config.Load(configPath); err == nil && cfg.SocketPath != "" {
		return cfg.SocketPath
	}
	return config.DefaultSocketPath()
}

func dialDaemon() (*uds.Client, error) {
	path := resolveSocket()
	client, err := uds.Dial(path)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to tripwired at %s: %w", path, err)
	}
	return client, nil
}

// call performs one request and decodes the response into out.
func call(method string, out any) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Request(ctx, method, nil)
	if err != nil {
		return err
	}
	return resp.UnmarshalData(out)
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that tripwired is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var pong uds.PingResponse
		if err := call(uds.MethodPing, &pong); err != nil {
			return err
		}
		if !pong.Pong {
			return fmt.Errorf("unexpected ping response")
		}
		state := "agent running"
		if !pong.Running {
			state = "agent stopped"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ tripwired %s pid %d, %s\n", pong.Version, pong.PID, state)
		return nil
	},
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tripwire %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}

// --- Daemon ---

var daemonDryRun bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run tripwired in the foreground",
	Long:  "Runs the tripwired binary from PATH with this command's --config and --socket. Normally tripwired runs as a systemd user service.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		args := []string{"--config", configPath}
		if socketPath != "" {
			args = append(args, "--socket", socketPath)
		}
		if daemonDryRun {
			args = append(args, "--dry-run")
		}
		c := exec.Command("tripwired", args...)
		c.Stdout = cmd.OutOrStdout()
		c.Stderr = cmd.ErrOrStderr()
		return c.Run()
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonDryRun, "dry-run", false, "report to an in-memory store")
}

// --- Status ---

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent counters, tracked files and recent incidents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st agent.Stats
		if err := call(uds.MethodStats, &st); err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		printStats(cmd.OutOrStdout(), st)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

var dropReasons = []core.Decision{
	core.DecisionCooldown,
	core.DecisionBlacklisted,
	core.DecisionBurst,
	core.DecisionThrottled,
	core.DecisionQueueFull,
}

func printStats(w io.Writer, st agent.Stats) {
	state := "stopped"
	if st.Running {
		state = "running since " + st.StartedAt.Local().Format(time.DateTime)
	}
	fmt.Fprintf(w, "%-10s %s\n", "agent:", state)
	fmt.Fprintf(w, "%-10s %s\n", "log dir:", st.LogDir)
	fmt.Fprintf(w, "%-10s %s\n", "policy:", st.Policy)
	fmt.Fprintf(w, "%-10s %d lines, %d matches\n", "seen:", st.Lines, st.Matches)

	var drops []string
	for _, d := range dropReasons {
		drops = append(drops, fmt.Sprintf("%s=%d", d, st.Decisions[d]))
	}
	fmt.Fprintf(w, "%-10s %d queued, %d dropped (%s)\n", "admitted:", st.Admitted(), st.Dropped(), strings.Join(drops, " "))
	fmt.Fprintf(w, "%-10s %d/%d, %d rejected\n", "queue:", st.Queue.Len, st.Queue.Cap, st.Queue.Rejected)
	fmt.Fprintf(w, "%-10s %d reported, %d failed\n", "reporter:", st.Reported, st.Failed)

	fmt.Fprintf(w, "\n%-60s %s\n", "FILE", "OFFSET")
	if len(st.Files) == 0 {
		fmt.Fprintln(w, "(no matching files yet)")
	}
	for _, f := range st.Files {
		fmt.Fprintf(w, "%-60s %d\n", f.Path, f.Offset)
	}

	if len(st.Recent) > 0 {
		fmt.Fprintf(w, "\n%-8s %-8s %-9s %s\n", "TIME", "ID", "OUTCOME", "TITLE")
		for i := len(st.Recent) - 1; i >= 0; i-- {
			r := st.Recent[i]
			fmt.Fprintf(w, "%-8s %-8d %-9s %s\n", r.At.Local().Format("15:04:05"), r.IncidentID, outcome(r), r.Title)
		}
	}
}

func outcome(r core.ReportResult) string {
	switch {
	case r.Err != "":
		return "failed"
	case r.Existing:
		return "existing"
	case r.Created:
		return "created"
	default:
		return "-"
	}
}

// --- Blacklist ---

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "List signatures currently blacked out by burst detection",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var entries []flood.Blackout
		if err := call(uds.MethodBlacklist, &entries); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(w, "no signatures blacked out")
			return nil
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Until.Before(entries[j].Until) })
		fmt.Fprintf(w, "%-10s %-20s %s\n", "REMAINING", "UNTIL", "SIGNATURE")
		for _, e := range entries {
			left := time.Until(e.Until).Truncate(time.Second)
			fmt.Fprintf(w, "%-10s %-20s %s\n", left, e.Until.Local().Format(time.DateTime), e.Signature)
		}
		return nil
	},
}

// --- Top ---

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live dashboard of incidents and counters",
	RunE: func(_ *cobra.Command, _ []string) error {
		app := tuimodel.New(resolveSocket())
		p := tea.NewProgram(app, tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

// --- Config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, check and print the agent config",
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config template to --config",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := config.Expand(configPath)
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		cfg := config.Default()
		if err := config.Save(&cfg, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nset upload.shotgun_project_id and the %s credentials before starting tripwired\n",
			path, cfg.Upload.Backend)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a config file and list every problem",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		errs := config.Validate(cfg)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (watching %s, backend %s)\n", path, cfg.LogDir, cfg.Upload.Backend)
			return nil
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d error(s)\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  • %s\n", e)
		}
		return fmt.Errorf("%s is invalid", path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config with defaults and environment applied",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		redacted := *cfg
		if redacted.Upload.APIKey != "" {
			redacted.Upload.APIKey = "<redacted>"
		}
		if redacted.Upload.PostgresDSN != "" {
			redacted.Upload.PostgresDSN = "<redacted>"
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(&redacted); err != nil {
			return err
		}
		return enc.Close()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}

// --- Service ---

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the tripwired systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install, enable and start the user unit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := filepath.Abs(config.Expand(configPath))
		if err != nil {
			return err
		}
		if err := service.Install(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", service.UnitName)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop, disable and remove the user unit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", service.UnitName)
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show socket and unit state",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(resolveSocket()))
	},
}

func init() {
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}
