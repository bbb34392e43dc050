package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseYAML(t *testing.T) {
	data := `
log_dir: /var/log/studio
glob_patterns: ["tk-*.log", "app-*.log"]
cooldown_sec: 30
burst_threshold: 3
upload:
  backend: shotgrid
  site_url: https://studio.shotgrid.autodesk.com
  script_name: tripwire
  api_key: secret
  shotgun_project_id: 122
  backoff_base_sec: 0.5
`
	cfg, err := Parse([]byte(data), FormatYAML)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if cfg.LogDir != "/var/log/studio" || len(cfg.GlobPatterns) != 2 {
		t.Errorf("tailing target: %q %v", cfg.LogDir, cfg.GlobPatterns)
	}
	if cfg.Cooldown() != 30*time.Second || cfg.BurstThreshold != 3 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxUploadsPerMinute != 10 || cfg.Blackout() != 300*time.Second || cfg.UploadQueueMaxsize != 32 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.PollInterval() != 500*time.Millisecond {
		t.Errorf("poll interval %s", cfg.PollInterval())
	}
	if cfg.Upload.TicketEntityType != "Ticket" || cfg.Upload.MaxRetries != 3 {
		t.Errorf("upload defaults lost: %+v", cfg.Upload)
	}
	if cfg.Upload.BackoffBase() != 500*time.Millisecond {
		t.Errorf("backoff base %s", cfg.Upload.BackoffBase())
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestParseTOML(t *testing.T) {
	data := `
log_dir = "/srv/logs"
max_uploads_per_minute = 4

[upload]
backend = "postgres"
postgres_dsn = "postgres://localhost/incidents?sslmode=disable"
shotgun_project_id = 7

[events]
brokers = ["localhost:19092"]
`
	cfg, err := Parse([]byte(data), FormatTOML)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if cfg.LogDir != "/srv/logs" || cfg.MaxUploadsPerMinute != 4 {
		t.Errorf("unexpected values: %+v", cfg)
	}
	if cfg.Upload.Backend != BackendPostgres || cfg.Upload.ShotgunProjectID != 7 {
		t.Errorf("unexpected upload: %+v", cfg.Upload)
	}
	if cfg.Events.Topic != "tripwire.incidents" || len(cfg.Events.Brokers) != 1 {
		t.Errorf("unexpected events: %+v", cfg.Events)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestParseRejectsUnknownYAMLKeys(t *testing.T) {
	if _, err := Parse([]byte("cooldown_secs: 5\n"), FormatYAML); err == nil {
		t.Error("expected error for misspelled key")
	}
}

func TestParseEmptyYAML(t *testing.T) {
	cfg, err := Parse(nil, FormatYAML)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CooldownSec != 60 {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestValidateRequiresProject(t *testing.T) {
	cfg := Default()
	cfg.Upload.Backend = BackendMemory
	errs := Validate(&cfg)
	if len(errs) != 1 || !errors.Is(errs[0], ErrNoProject) {
		t.Fatalf("expected only ErrNoProject, got %v", errs)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Upload.ShotgunProjectID = 1
	cfg.CooldownSec = 0
	cfg.BurstThreshold = -1
	cfg.GlobPatterns = []string{"tk-[.log"}
	cfg.Upload.Backend = "ftp"

	errs := Validate(&cfg)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	joined := errors.Join(errs...).Error()
	for _, want := range []string{"cooldown_sec", "burst_threshold", "glob_patterns", "upload.backend"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing error about %s in %q", want, joined)
		}
	}
}

func TestValidateShotGridCredentials(t *testing.T) {
	cfg := Default()
	cfg.Upload.ShotgunProjectID = 1
	errs := Validate(&cfg)
	if len(errs) != 2 {
		t.Fatalf("expected site and credential errors, got %v", errs)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRIPWIRE_LOG_DIR", "/from/env")
	t.Setenv("TRIPWIRE_API_KEY", "env-key")

	cfg, err := Parse([]byte("upload:\n  shotgun_project_id: 1\n"), FormatYAML)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogDir != "/from/env" || cfg.Upload.APIKey != "env-key" {
		t.Errorf("env not applied: %q %q", cfg.LogDir, cfg.Upload.APIKey)
	}

	cfg, err = Parse([]byte("upload:\n  api_key: file-key\n"), FormatYAML)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Upload.APIKey != "file-key" {
		t.Errorf("file value should win over env, got %q", cfg.Upload.APIKey)
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := Expand("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("Expand(~/logs) = %q", got)
	}
	if got := Expand("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
	if got := Expand("~user/x"); got != "~user/x" {
		t.Errorf("~user form should be left alone: %q", got)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.LogDir = "/srv/logs"
			cfg.Upload.Backend = BackendMemory
			cfg.Upload.ShotgunProjectID = 9

			path := filepath.Join(dir, "nested", name)
			if err := Save(&cfg, path); err != nil {
				t.Fatal(err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0o600 {
				t.Errorf("config should be private, mode %v", info.Mode().Perm())
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatal(err)
			}
			if loaded.LogDir != "/srv/logs" || loaded.Upload.ShotgunProjectID != 9 || loaded.Upload.Backend != BackendMemory {
				t.Errorf("round trip lost values: %+v", loaded)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFormatOf(t *testing.T) {
	if FormatOf("a/b.TOML") != FormatTOML || FormatOf("a/b.yaml") != FormatYAML || FormatOf("noext") != FormatYAML {
		t.Error("unexpected format detection")
	}
}
