package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/modoterra/tripwire/internal/buildinfo"
	"github.com/modoterra/tripwire/pkg/config"
	"github.com/modoterra/tripwire/pkg/ticket"
	"github.com/modoterra/tripwire/pkg/ticket/memory"
	"github.com/modoterra/tripwire/pkg/ticket/pgstore"
	"github.com/modoterra/tripwire/pkg/ticket/shotgrid"
)

// Backend is a ticket service and whatever must be released with it.
type Backend struct {
	ticket.Service
	closer io.Closer
}

// Close releases the backend's resources.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// OpenBackend connects to the configured incident store. With dryRun set the
// in-memory store is used whatever the configuration says.
func OpenBackend(ctx context.Context, u config.Upload, dryRun bool, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend := u.Backend
	if dryRun {
		backend = config.BackendMemory
	}

	switch backend {
	case config.BackendShotGrid:
		c, err := shotgrid.NewClient(shotgrid.Config{
			SiteURL:    u.SiteURL,
			ScriptName: u.ScriptName,
			APIKey:     u.APIKey,
			Timeout:    u.RequestTimeout(),
			UserAgent:  "tripwire/" + buildinfo.Version,
		})
		if err != nil {
			return nil, fmt.Errorf("shotgrid backend: %w", err)
		}
		logger.Info("using shotgrid backend", "site", u.SiteURL)
		return &Backend{Service: c}, nil

	case config.BackendPostgres:
		s, err := pgstore.Open(ctx, u.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres backend: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("postgres backend: %w", err)
		}
		logger.Info("using postgres backend")
		return &Backend{Service: s, closer: s}, nil

	case config.BackendMemory:
		s := memory.New()
		if u.ShotgunProjectID > 0 {
			s.Seed("Project", u.ShotgunProjectID, map[string]any{"name": "dry run"})
		}
		logger.Info("using in-memory backend, nothing leaves this process")
		return &Backend{Service: s}, nil

	default:
		return nil, fmt.Errorf("unknown upload backend %q", u.Backend)
	}
}

// CheckProject fails unless the configured project is visible to svc.
func CheckProject(ctx context.Context, svc ticket.Service, id int) error {
	ok, err := ticket.ProjectExists(ctx, svc, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("project %d not found", id)
	}
	return nil
}
