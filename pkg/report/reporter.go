// Package report turns admitted tasks into remote incidents: one incident
// per title, with the offending log file attached.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/signature"
	"github.com/modoterra/tripwire/pkg/ticket"
)

// TitleFields are tried in order when creating an incident, since entity
// schemas differ in what they call the title.
var TitleFields = []string{"title", "subject", "name"}

// Config holds reporter settings.
type Config struct {
	ProjectID   int
	EntityType  string
	AttachField string
	MaxRetries  int
	BackoffBase time.Duration
	User        string
	Gzip        bool
}

func (c Config) withDefaults() Config {
	if c.EntityType == "" {
		c.EntityType = "Ticket"
	}
	if c.AttachField == "" {
		c.AttachField = "attachments"
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = 0
	}
	if c.User == "" {
		c.User = CurrentUser()
	}
	return c
}

// CurrentUser returns the OS login name, or "unknown".
func CurrentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// Reporter creates incidents through a ticket.Service.
type Reporter struct {
	svc    ticket.Service
	cfg    Config
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Reporter.
func New(svc ticket.Service, cfg Config, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		svc:    svc,
		cfg:    cfg.withDefaults(),
		sleep:  sleepContext,
		now:    time.Now,
		logger: logger,
	}
}

// Config returns the effective settings.
func (r *Reporter) Config() Config { return r.cfg }

// Title builds "<user> - <core>" for a matched line.
func (r *Reporter) Title(line string) string {
	return core.IncidentTitle(signature.Flatten(r.cfg.User), signature.Flatten(signature.TitleCore(line)))
}

// Description is the incident body. The last line carries the title so the
// incident can be found by text search.
func Description(task core.UploadTask, title string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Matched line:\n%s\n\n", task.Match.Line)
	fmt.Fprintf(&b, "Detected at: %s\n", task.DetectedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Log path: %s\n", task.Path)
	fmt.Fprintf(&b, "Matched byte offset: %d\n", task.Offset)
	fmt.Fprintf(&b, "\n--- INCIDENT_TITLE_SIGNATURE: %s ---\n", title)
	return b.String()
}

// Report makes sure an incident titled after task exists. A new incident
// gets the log file attached; success of that attachment is the result.
func (r *Reporter) Report(ctx context.Context, task core.UploadTask) core.ReportResult {
	title := r.Title(task.Match.Line)
	res := core.ReportResult{
		Title:     title,
		Signature: task.Signature,
		Path:      task.Path,
		At:        r.now(),
	}
	fail := func(err error) core.ReportResult {
		res.Err = err.Error()
		return res
	}

	if _, err := os.Stat(task.Path); err != nil {
		r.logger.Error("log file not found", "path", task.Path, "err", err)
		return fail(fmt.Errorf("stat log file: %w", err))
	}

	existing, err := r.svc.FindOne(ctx, r.cfg.EntityType, "title", title)
	switch {
	case err == nil:
		r.logger.Info("incident exists, skipping creation", "id", existing.ID, "title", title)
		res.IncidentID = existing.ID
		res.Existing = true
		return res
	case !errors.Is(err, ticket.ErrNotFound):
		// The create below still goes ahead; a failed lookup must not hide a new error.
		r.logger.Warn("incident lookup failed", "title", title, "err", err)
	}

	created, err := r.create(ctx, task, title)
	if err != nil {
		r.logger.Error("failed to create incident", "path", task.Path, "title", title, "err", err)
		return fail(err)
	}
	res.IncidentID = created.ID
	res.Created = true
	r.logger.Info("incident created", "id", created.ID, "title", title)

	if err := r.attach(ctx, created, task.Path); err != nil {
		r.logger.Error("attachment failed for new incident", "id", created.ID, "path", task.Path, "err", err)
		return fail(err)
	}
	res.Attached = true
	r.logger.Info("log attached", "id", created.ID, "file", filepath.Base(task.Path))
	return res
}

func (r *Reporter) create(ctx context.Context, task core.UploadTask, title string) (ticket.Entity, error) {
	project := ticket.Entity{Type: "Project", ID: r.cfg.ProjectID}
	base := map[string]any{
		"project":     project.Link(),
		"description": Description(task, title),
	}

	var errs []error
	for _, field := range TitleFields {
		fields := make(map[string]any, len(base)+1)
		for k, v := range base {
			fields[k] = v
		}
		fields[field] = title

		e, err := r.svc.Create(ctx, r.cfg.EntityType, fields)
		if err == nil && e.ID > 0 {
			return e, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: id %d", ticket.ErrInvalidEntity, e.ID)
		}
		r.logger.Warn("create attempt failed", "field", field, "err", err)
		errs = append(errs, fmt.Errorf("field %s: %w", field, err))
	}
	return ticket.Entity{}, fmt.Errorf("create %s: %w", r.cfg.EntityType, errors.Join(errs...))
}

// attach uploads path with up to MaxRetries attempts, sleeping
// BackoffBase*attempt between them.
func (r *Reporter) attach(ctx context.Context, e ticket.Entity, path string) error {
	upload := path
	if r.cfg.Gzip {
		gz, err := gzipFile(path)
		if err != nil {
			r.logger.Warn("compression failed, uploading raw file", "path", path, "err", err)
		} else {
			defer os.RemoveAll(filepath.Dir(gz))
			upload = gz
		}
	}

	var err error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if err = r.svc.Upload(ctx, e, upload, r.cfg.AttachField); err == nil {
			return nil
		}
		r.logger.Error("upload attempt failed", "attempt", attempt, "id", e.ID, "file", upload, "err", err)
		if attempt < r.cfg.MaxRetries {
			if serr := r.sleep(ctx, r.cfg.BackoffBase*time.Duration(attempt)); serr != nil {
				return fmt.Errorf("attach %s: %w", filepath.Base(path), serr)
			}
		}
	}
	return fmt.Errorf("attach %s after %d attempts: %w", filepath.Base(path), r.cfg.MaxRetries, err)
}

// gzipFile writes a compressed copy of path into a temp directory and
// returns its path. The copy keeps the original base name plus ".gz".
func gzipFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dir, err := os.MkdirTemp("", "tripwire-upload-")
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, filepath.Base(path)+".gz")
	dst, err := os.Create(out)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	zw := gzip.NewWriter(dst)
	zw.Name = filepath.Base(path)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("compress %s: %w", path, err)
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
