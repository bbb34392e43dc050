// Package config loads the agent configuration from YAML or TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Backends understood by upload.backend.
const (
	BackendShotGrid = "shotgrid"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config is the agent configuration file.
type Config struct {
	LogDir              string   `yaml:"log_dir"                toml:"log_dir"                json:"log_dir"`
	GlobPatterns        []string `yaml:"glob_patterns"          toml:"glob_patterns"          json:"glob_patterns"`
	PollIntervalSec     float64  `yaml:"poll_interval_sec"      toml:"poll_interval_sec"      json:"poll_interval_sec"`
	CooldownSec         float64  `yaml:"cooldown_sec"           toml:"cooldown_sec"           json:"cooldown_sec"`
	MaxUploadsPerMinute int      `yaml:"max_uploads_per_minute" toml:"max_uploads_per_minute" json:"max_uploads_per_minute"`
	BurstThreshold      int      `yaml:"burst_threshold"        toml:"burst_threshold"        json:"burst_threshold"`
	BurstWindow         float64  `yaml:"burst_window"           toml:"burst_window"           json:"burst_window"`
	BlackoutPeriod      float64  `yaml:"blackout_period"        toml:"blackout_period"        json:"blackout_period"`
	UploadQueueMaxsize  int      `yaml:"upload_queue_maxsize"   toml:"upload_queue_maxsize"   json:"upload_queue_maxsize"`
	SocketPath          string   `yaml:"socket_path"            toml:"socket_path"            json:"socket_path"`
	LockDir             string   `yaml:"lock_dir"               toml:"lock_dir"               json:"lock_dir"`
	Upload              Upload   `yaml:"upload"                 toml:"upload"                 json:"upload"`
	Events              Events   `yaml:"events"                 toml:"events"                 json:"events"`
}

// Upload configures the remote incident store.
type Upload struct {
	Backend               string  `yaml:"backend"                 toml:"backend"                 json:"backend"`
	SiteURL               string  `yaml:"site_url"                toml:"site_url"                json:"site_url,omitempty"`
	ScriptName            string  `yaml:"script_name"             toml:"script_name"             json:"script_name,omitempty"`
	APIKey                string  `yaml:"api_key"                 toml:"api_key"                 json:"-"`
	PostgresDSN           string  `yaml:"postgres_dsn"            toml:"postgres_dsn"            json:"-"`
	ShotgunProjectID      int     `yaml:"shotgun_project_id"      toml:"shotgun_project_id"      json:"shotgun_project_id"`
	TicketEntityType      string  `yaml:"ticket_entity_type"      toml:"ticket_entity_type"      json:"ticket_entity_type"`
	TicketAttachmentField string  `yaml:"ticket_attachment_field" toml:"ticket_attachment_field" json:"ticket_attachment_field"`
	MaxRetries            int     `yaml:"max_retries"             toml:"max_retries"             json:"max_retries"`
	BackoffBaseSec        float64 `yaml:"backoff_base_sec"        toml:"backoff_base_sec"        json:"backoff_base_sec"`
	UserLogin             string  `yaml:"user_login"              toml:"user_login"              json:"user_login,omitempty"`
	GzipAttachments       bool    `yaml:"gzip_attachments"        toml:"gzip_attachments"        json:"gzip_attachments"`
	RequestTimeoutSec     float64 `yaml:"request_timeout_sec"     toml:"request_timeout_sec"     json:"request_timeout_sec"`
}

// Events configures the optional incident event stream.
type Events struct {
	Brokers []string `yaml:"brokers" toml:"brokers" json:"brokers,omitempty"`
	Topic   string   `yaml:"topic"   toml:"topic"   json:"topic"`
}

// Default returns a configuration with every optional key filled in.
func Default() Config {
	return Config{
		LogDir:              DefaultLogDir(),
		GlobPatterns:        []string{"tk-*.log"},
		PollIntervalSec:     0.5,
		CooldownSec:         60,
		MaxUploadsPerMinute: 10,
		BurstThreshold:      5,
		BurstWindow:         10,
		BlackoutPeriod:      300,
		UploadQueueMaxsize:  32,
		SocketPath:          DefaultSocketPath(),
		LockDir:             os.TempDir(),
		Upload: Upload{
			Backend:               BackendShotGrid,
			TicketEntityType:      "Ticket",
			TicketAttachmentField: "attachments",
			MaxRetries:            3,
			BackoffBaseSec:        2,
			RequestTimeoutSec:     30,
		},
		Events: Events{Topic: "tripwire.incidents"},
	}
}

// DefaultLogDir follows the host application's per-platform log location.
func DefaultLogDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "Shotgun")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Shotgun", "logs")
		}
		return filepath.Join(home, "AppData", "Roaming", "Shotgun", "logs")
	default:
		return filepath.Join(home, ".shotgun", "logs")
	}
}

// DefaultSocketPath prefers the user's runtime directory.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "tripwire.sock")
	}
	return "/tmp/tripwire.sock"
}

// DefaultPath is where the daemon looks for its config file.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "tripwire.yaml"
	}
	return filepath.Join(dir, "tripwire", "config.yaml")
}

// Format is a config file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the encoding from a file extension; YAML is the default.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	resolved := Expand(path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, FormatOf(resolved))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes data on top of Default, expands "~" in paths and applies
// environment overrides.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}

	applyEnv(&cfg)
	cfg.LogDir = Expand(cfg.LogDir)
	cfg.SocketPath = Expand(cfg.SocketPath)
	cfg.LockDir = Expand(cfg.LockDir)
	return &cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	resolved := Expand(path)
	var (
		data []byte
		err  error
	)
	switch FormatOf(resolved) {
	case FormatTOML:
		data, err = toml.Marshal(cfg)
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(resolved, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TRIPWIRE_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("TRIPWIRE_API_KEY"); v != "" && cfg.Upload.APIKey == "" {
		cfg.Upload.APIKey = v
	}
	if v := os.Getenv("TRIPWIRE_POSTGRES_DSN"); v != "" && cfg.Upload.PostgresDSN == "" {
		cfg.Upload.PostgresDSN = v
	}
}

// Expand replaces a leading "~" with the user's home directory.
func Expand(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// PollInterval returns poll_interval_sec as a duration.
func (c *Config) PollInterval() time.Duration { return seconds(c.PollIntervalSec) }

// Cooldown returns cooldown_sec as a duration.
func (c *Config) Cooldown() time.Duration { return seconds(c.CooldownSec) }

// BurstWindowDuration returns burst_window as a duration.
func (c *Config) BurstWindowDuration() time.Duration { return seconds(c.BurstWindow) }

// Blackout returns blackout_period as a duration.
func (c *Config) Blackout() time.Duration { return seconds(c.BlackoutPeriod) }

// BackoffBase returns upload.backoff_base_sec as a duration.
func (u Upload) BackoffBase() time.Duration { return seconds(u.BackoffBaseSec) }

// RequestTimeout returns upload.request_timeout_sec as a duration.
func (u Upload) RequestTimeout() time.Duration { return seconds(u.RequestTimeoutSec) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
