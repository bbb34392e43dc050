package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modoterra/tripwire/pkg/agent"
	"github.com/modoterra/tripwire/pkg/config"
	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/dispatch"
	"github.com/modoterra/tripwire/pkg/flood"
	"github.com/modoterra/tripwire/pkg/transport/uds"
)

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	socketPath = ""
	configPath = config.DefaultPath()
	statusJSON = false
	configInitForce = false

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func fakeDaemon(t *testing.T) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "tw.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := uds.NewServer(sock, logger)
	srv.Handle(uds.MethodPing, func(_ context.Context, _ uds.Message) (any, error) {
		return uds.PingResponse{Pong: true, Version: "test", PID: 42, Running: true}, nil
	})
	srv.Handle(uds.MethodStats, func(_ context.Context, _ uds.Message) (any, error) {
		return agent.Stats{
			Running:   true,
			StartedAt: time.Now().Add(-time.Minute),
			LogDir:    "/var/log/tk",
			Lines:     12,
			Matches:   4,
			Decisions: map[core.Decision]uint64{
				core.DecisionEnqueued: 2,
				core.DecisionCooldown: 1,
				core.DecisionBurst:    1,
			},
			Queue:    dispatch.Stats{Cap: 100},
			Reported: 2,
			Files:    []agent.File{{Path: "/var/log/tk/tk-app.log", Offset: 512}},
			Recent: []core.ReportResult{
				{Title: "dave - KeyError", IncidentID: 7, Created: true, Attached: true, At: time.Now()},
			},
		}, nil
	})
	srv.Handle(uds.MethodBlacklist, func(_ context.Context, _ uds.Message) (any, error) {
		return []flood.Blackout{{Signature: "keyerror", Until: time.Now().Add(5 * time.Minute)}}, nil
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
		<-done
	})
	return sock
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "tripwire ") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigInitValidateShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if _, _, err := execute(t, "config", "init", "--config", path); err != nil {
		t.Fatal(err)
	}
	if _, _, err := execute(t, "config", "init", "--config", path); err == nil {
		t.Error("expected init to refuse an existing file")
	}
	if _, _, err := execute(t, "config", "init", "--config", path, "--force"); err != nil {
		t.Errorf("init --force: %v", err)
	}

	// The template has no project id yet.
	_, stderr, err := execute(t, "config", "validate", path)
	if err == nil {
		t.Fatal("expected template without a project to be invalid")
	}
	if !strings.Contains(stderr, "shotgun_project_id") {
		t.Errorf("stderr = %q", stderr)
	}

	cfg := config.Default()
	cfg.Upload.ShotgunProjectID = 9
	cfg.Upload.SiteURL = "https://studio.example.com"
	cfg.Upload.ScriptName = "tripwire"
	cfg.Upload.APIKey = "s3cret"
	if err := config.Save(&cfg, path); err != nil {
		t.Fatal(err)
	}
	out, _, err := execute(t, "config", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("output = %q", out)
	}

	out, _, err = execute(t, "config", "show", "--config", path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "s3cret") {
		t.Error("config show leaked the api key")
	}
	if !strings.Contains(out, "shotgun_project_id: 9") {
		t.Errorf("output missing project:\n%s", out)
	}
}

func TestConfigValidateMissingFile(t *testing.T) {
	if _, _, err := execute(t, "config", "validate", filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestPingStatusBlacklist(t *testing.T) {
	sock := fakeDaemon(t)

	out, _, err := execute(t, "ping", "--socket", sock)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "pid 42") {
		t.Errorf("ping output = %q", out)
	}

	out, _, err = execute(t, "status", "--socket", sock)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"12 lines, 4 matches", "2 queued, 2 dropped", "cooldown=1", "tk-app.log", "dave - KeyError"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}

	out, _, err = execute(t, "status", "--json", "--socket", sock)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"log_dir"`) {
		t.Errorf("status --json = %s", out)
	}

	out, _, err = execute(t, "blacklist", "--socket", sock)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "keyerror") {
		t.Errorf("blacklist output = %q", out)
	}
}

func TestPingNoDaemon(t *testing.T) {
	_, _, err := execute(t, "ping", "--socket", filepath.Join(t.TempDir(), "none.sock"))
	if err == nil || !strings.Contains(err.Error(), "cannot connect") {
		t.Fatalf("err = %v", err)
	}
}
