package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrNoProject is reported when upload.shotgun_project_id is missing.
var ErrNoProject = errors.New("upload.shotgun_project_id is required")

// Validate checks the configuration and returns every problem found.
func Validate(c *Config) []error {
	var errs []error

	if c.LogDir == "" {
		errs = append(errs, fmt.Errorf("log_dir is required"))
	}
	if len(c.GlobPatterns) == 0 {
		errs = append(errs, fmt.Errorf("glob_patterns must not be empty"))
	}
	for _, p := range c.GlobPatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("glob_patterns: %q: %w", p, err))
		}
	}

	positive := []struct {
		key string
		val float64
	}{
		{"poll_interval_sec", c.PollIntervalSec},
		{"cooldown_sec", c.CooldownSec},
		{"max_uploads_per_minute", float64(c.MaxUploadsPerMinute)},
		{"burst_threshold", float64(c.BurstThreshold)},
		{"burst_window", c.BurstWindow},
		{"blackout_period", c.BlackoutPeriod},
		{"upload_queue_maxsize", float64(c.UploadQueueMaxsize)},
		{"upload.max_retries", float64(c.Upload.MaxRetries)},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", p.key, p.val))
		}
	}
	if c.Upload.BackoffBaseSec < 0 {
		errs = append(errs, fmt.Errorf("upload.backoff_base_sec must not be negative"))
	}

	u := c.Upload
	if u.ShotgunProjectID <= 0 {
		errs = append(errs, ErrNoProject)
	}
	if u.TicketEntityType == "" {
		errs = append(errs, fmt.Errorf("upload.ticket_entity_type must not be empty"))
	}
	if u.TicketAttachmentField == "" {
		errs = append(errs, fmt.Errorf("upload.ticket_attachment_field must not be empty"))
	}

	switch u.Backend {
	case BackendShotGrid:
		if u.SiteURL == "" {
			errs = append(errs, fmt.Errorf("upload.site_url is required for the shotgrid backend"))
		}
		if u.ScriptName == "" || u.APIKey == "" {
			errs = append(errs, fmt.Errorf("upload.script_name and upload.api_key (or TRIPWIRE_API_KEY) are required for the shotgrid backend"))
		}
	case BackendPostgres:
		if u.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("upload.postgres_dsn (or TRIPWIRE_POSTGRES_DSN) is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("upload.backend must be shotgrid, postgres, or memory; got %q", u.Backend))
	}

	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		errs = append(errs, fmt.Errorf("events.topic is required when events.brokers is set"))
	}

	return errs
}
