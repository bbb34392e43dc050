package report

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/ticket/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const overflowLine = "2026-01-14 19:49:11,961 ERROR something raised OverflowError"

func newTask(t *testing.T, line string) core.UploadTask {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tk-maya.log")
	if err := os.WriteFile(p, []byte("boot\n"+line+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return core.UploadTask{
		Path:       p,
		Match:      core.Match{Reason: "severity", Severity: core.SeverityError, Line: line},
		Signature:  "overflowerror",
		Offset:     int64(len("boot\n" + line + "\n")),
		DetectedAt: time.Date(2026, 1, 14, 19, 49, 11, 961e6, time.UTC),
	}
}

func newReporter(store *memory.Store, cfg Config) (*Reporter, *[]time.Duration) {
	if cfg.User == "" {
		cfg.User = "alice"
	}
	if cfg.ProjectID == 0 {
		cfg.ProjectID = 122
	}
	r := New(store, cfg, testLogger())
	var sleeps []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return r, &sleeps
}

func TestReportCreatesAndAttaches(t *testing.T) {
	store := memory.New()
	r, _ := newReporter(store, Config{})
	task := newTask(t, overflowLine)

	res := r.Report(context.Background(), task)
	if !res.OK() || !res.Created || !res.Attached {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Title != "alice - OverflowError" {
		t.Errorf("title %q", res.Title)
	}

	recs := store.Records("Ticket")
	if len(recs) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(recs))
	}
	f := recs[0].Fields
	if f["title"] != "alice - OverflowError" {
		t.Errorf("title field %v", f["title"])
	}
	project, _ := f["project"].(map[string]any)
	if project["type"] != "Project" || project["id"] != 122 {
		t.Errorf("project link %v", f["project"])
	}
	desc, _ := f["description"].(string)
	for _, want := range []string{
		"Matched line:\n" + overflowLine,
		"Log path: " + task.Path,
		"Matched byte offset: ",
		"--- INCIDENT_TITLE_SIGNATURE: alice - OverflowError ---",
	} {
		if !strings.Contains(desc, want) {
			t.Errorf("description missing %q:\n%s", want, desc)
		}
	}

	atts := store.Attachments()
	if len(atts) != 1 || atts[0].Field != "attachments" || atts[0].Entity.ID != res.IncidentID {
		t.Errorf("unexpected attachments %+v", atts)
	}
}

func TestReportIsIdempotentByTitle(t *testing.T) {
	store := memory.New()
	r, _ := newReporter(store, Config{})
	task := newTask(t, overflowLine)

	first := r.Report(context.Background(), task)
	second := r.Report(context.Background(), newTask(t, "2026-02-01 08:00:00 CRITICAL again OverflowError"))
	if !first.OK() || !second.OK() {
		t.Fatalf("expected both to succeed: %+v %+v", first, second)
	}
	if !second.Existing || second.Created || second.IncidentID != first.IncidentID {
		t.Errorf("second report should reuse incident: %+v", second)
	}
	if n := len(store.Records("Ticket")); n != 1 {
		t.Errorf("expected 1 incident, got %d", n)
	}
	if n := len(store.Attachments()); n != 1 {
		t.Errorf("expected 1 attachment, got %d", n)
	}
}

func TestReportFallsBackAcrossTitleFields(t *testing.T) {
	store := memory.New()
	store.RejectFields = map[string]bool{"title": true, "subject": true}
	r, _ := newReporter(store, Config{})

	res := r.Report(context.Background(), newTask(t, overflowLine))
	if !res.OK() {
		t.Fatalf("unexpected failure %+v", res)
	}
	f := store.Records("Ticket")[0].Fields
	if f["name"] != "alice - OverflowError" {
		t.Errorf("expected title stored in name field, got %v", f)
	}
}

func TestReportFailsWhenEveryFieldIsRejected(t *testing.T) {
	store := memory.New()
	store.RejectFields = map[string]bool{"title": true, "subject": true, "name": true}
	r, _ := newReporter(store, Config{})

	res := r.Report(context.Background(), newTask(t, overflowLine))
	if res.OK() || res.Created {
		t.Fatalf("expected failure, got %+v", res)
	}
	for _, f := range TitleFields {
		if !strings.Contains(res.Err, "field "+f) {
			t.Errorf("error should mention field %s: %s", f, res.Err)
		}
	}
}

func TestAttachRetriesWithLinearBackoff(t *testing.T) {
	store := memory.New()
	store.FailUploads = 2
	r, sleeps := newReporter(store, Config{MaxRetries: 3, BackoffBase: 2 * time.Second})

	res := r.Report(context.Background(), newTask(t, overflowLine))
	if !res.OK() {
		t.Fatalf("expected success on third attempt, got %+v", res)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*sleeps) != len(want) || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Errorf("sleeps %v, want %v", *sleeps, want)
	}
}

func TestAttachExhaustedLeavesIncident(t *testing.T) {
	store := memory.New()
	store.FailUploads = 10
	r, sleeps := newReporter(store, Config{MaxRetries: 3, BackoffBase: time.Second})

	res := r.Report(context.Background(), newTask(t, overflowLine))
	if res.OK() || res.Attached {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !res.Created || res.IncidentID == 0 {
		t.Errorf("incident should remain created: %+v", res)
	}
	if len(*sleeps) != 2 {
		t.Errorf("expected 2 sleeps between 3 attempts, got %v", *sleeps)
	}
	if len(store.Records("Ticket")) != 1 {
		t.Error("incident should exist")
	}
}

func TestReportMissingLogFile(t *testing.T) {
	store := memory.New()
	r, _ := newReporter(store, Config{})
	task := newTask(t, overflowLine)
	task.Path += ".gone"

	res := r.Report(context.Background(), task)
	if res.OK() || res.Err == "" {
		t.Fatalf("expected failure, got %+v", res)
	}
	if len(store.Records("Ticket")) != 0 {
		t.Error("nothing should be created for a missing file")
	}
}

func TestLookupFailureStillCreates(t *testing.T) {
	store := memory.New()
	store.FailFind = errors.New("lookup unavailable")
	r, _ := newReporter(store, Config{})

	res := r.Report(context.Background(), newTask(t, overflowLine))
	if !res.OK() || !res.Created {
		t.Fatalf("expected creation despite lookup failure, got %+v", res)
	}
}

func TestGzipAttachment(t *testing.T) {
	store := memory.New()
	r, _ := newReporter(store, Config{Gzip: true})

	res := r.Report(context.Background(), newTask(t, overflowLine))
	if !res.OK() {
		t.Fatalf("unexpected failure %+v", res)
	}
	atts := store.Attachments()
	if len(atts) != 1 || atts[0].Filename != "tk-maya.log.gz" || atts[0].Size == 0 {
		t.Errorf("unexpected attachment %+v", atts)
	}
}

func TestTitle(t *testing.T) {
	r := New(memory.New(), Config{User: "jo\tsmith\n"}, testLogger())
	tests := []struct {
		line string
		want string
	}{
		{overflowLine, "jo smith - OverflowError"},
		{"2026-01-14 19:49:11 [app] CRITICAL disk   full", "jo smith - CRITICAL disk full"},
		{"", "jo smith - Unknown error"},
	}
	for _, tt := range tests {
		if got := r.Title(tt.line); got != tt.want {
			t.Errorf("Title(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := New(memory.New(), Config{User: "alice"}, testLogger()).Config()
	if cfg.EntityType != "Ticket" || cfg.AttachField != "attachments" || cfg.MaxRetries != 3 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
