package model

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"

	"github.com/modoterra/tripwire/pkg/agent"
	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/flood"
	"github.com/modoterra/tripwire/pkg/transport/uds"
)

func update(t *testing.T, a App, msg tea.Msg) App {
	t.Helper()
	next, _ := a.Update(msg)
	return next.(App)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestStatsSeedIncidentsNewestFirst(t *testing.T) {
	a := New("/nonexistent.sock")
	a = update(t, a, statsMsg{agent.Stats{
		Running:   true,
		StartedAt: time.Now(),
		Recent: []core.ReportResult{
			{Title: "alice - KeyError", IncidentID: 1, Created: true, Attached: true},
			{Title: "alice - ValueError", IncidentID: 2, Existing: true},
		},
	}})

	if len(a.incidents) != 2 || a.incidents[0].IncidentID != 2 {
		t.Fatalf("incidents = %+v", a.incidents)
	}

	// A later stats update must not seed again.
	a = update(t, a, statsMsg{agent.Stats{Running: true, StartedAt: time.Now(), Recent: a.stats.Recent}})
	if len(a.incidents) != 2 {
		t.Fatalf("incidents reseeded: %d", len(a.incidents))
	}
}

func TestIncidentEventsAndPause(t *testing.T) {
	a := New("/nonexistent.sock")
	a = update(t, a, eventMsg{incidentMsg{core.ReportResult{Title: "a - OneError"}}})
	a = update(t, a, eventMsg{incidentMsg{core.ReportResult{Title: "a - TwoError"}}})
	if len(a.incidents) != 2 || a.incidents[0].Title != "a - TwoError" {
		t.Fatalf("incidents = %+v", a.incidents)
	}

	a = update(t, a, key(" "))
	a = update(t, a, incidentMsg{core.ReportResult{Title: "a - ThreeError"}})
	if len(a.incidents) != 2 {
		t.Fatal("paused feed still accepted an incident")
	}
}

func TestNavigationAndFilter(t *testing.T) {
	a := New("/nonexistent.sock")
	for _, title := range []string{"bob - KeyError", "bob - ValueError", "bob - OSError"} {
		a = update(t, a, incidentMsg{core.ReportResult{Title: title}})
	}

	a = update(t, a, key("j"))
	a = update(t, a, key("j"))
	a = update(t, a, key("j"))
	if a.selected != 2 {
		t.Fatalf("selected = %d, want 2", a.selected)
	}
	a = update(t, a, key("k"))
	if got := a.selectedIncident().Title; got != "bob - ValueError" {
		t.Fatalf("selected %q", got)
	}

	a = update(t, a, key("/"))
	for _, r := range "key" {
		a = update(t, a, key(string(r)))
	}
	a = update(t, a, key("enter"))
	items := a.filteredIncidents()
	if len(items) != 1 || items[0].Title != "bob - KeyError" {
		t.Fatalf("filtered = %+v", items)
	}

	a = update(t, a, key("tab"))
	if a.activePane != PaneDetail {
		t.Fatalf("pane = %d", a.activePane)
	}
}

func TestViewRenders(t *testing.T) {
	a := New("/nonexistent.sock")
	if a.View() != "loading..." {
		t.Fatal("expected placeholder before the first window size")
	}

	a.connected = true
	a = update(t, a, tea.WindowSizeMsg{Width: 120, Height: 40})
	a = update(t, a, statsMsg{agent.Stats{
		Running:   true,
		StartedAt: time.Now().Add(-90 * time.Second),
		Lines:     40,
		Matches:   3,
		Decisions: map[core.Decision]uint64{core.DecisionEnqueued: 1, core.DecisionCooldown: 2},
		Policy:    "cooldown=1m0s",
	}})
	a = update(t, a, incidentMsg{core.ReportResult{Title: "carol - TimeoutError", Err: "create Ticket: boom"}})
	a = update(t, a, blacklistMsg{[]flood.Blackout{{Signature: "timeouterror", Until: time.Now().Add(time.Minute)}}})

	out := a.View()
	for _, want := range []string{"Incidents", "carol - TimeoutError", "cooldown=2", "timeouterror", "failed", "User:      carol"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestTruncateCountsCells(t *testing.T) {
	tests := []struct {
		in    string
		width int
	}{
		{"hello world", 8},
		{"日本語のエラーメッセージ", 9},
		{"short", 10},
		{"abcdef", 2},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.width)
		if w := runewidth.StringWidth(got); w > tt.width {
			t.Errorf("truncate(%q, %d) = %q, width %d", tt.in, tt.width, got, w)
		}
	}
	if truncate("short", 10) != "short" {
		t.Error("short strings must be unchanged")
	}
}

func TestEventAfterDisconnectDoesNotPanic(t *testing.T) {
	events := make(chan uds.Message, 1)
	done := make(chan struct{})
	sink := eventSink(events)

	evt, err := uds.NewEvent(uds.EventIncidentReported, core.ReportResult{Title: "erin - KeyError"})
	if err != nil {
		t.Fatal(err)
	}
	sink(evt)
	msg := waitEventCmd(events, done)()
	em, ok := msg.(eventMsg)
	if !ok {
		t.Fatalf("msg = %T, want eventMsg", msg)
	}
	if im, ok := em.msg.(incidentMsg); !ok || im.result.Title != "erin - KeyError" {
		t.Fatalf("decoded %#v", em.msg)
	}

	// The reader may still deliver after the connection went away.
	close(done)
	sink(evt)
	sink(evt)
	<-events

	if _, ok := waitEventCmd(events, done)().(disconnectedMsg); !ok {
		t.Fatal("expected disconnectedMsg once done is closed")
	}
}
