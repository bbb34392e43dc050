// Package model is the Bubble Tea model behind "tripwire top".
package model

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/tripwire/pkg/agent"
	"github.com/modoterra/tripwire/pkg/core"
	"github.com/modoterra/tripwire/pkg/flood"
	"github.com/modoterra/tripwire/pkg/transport/uds"
)

// maxIncidents bounds the incident feed kept in memory.
const maxIncidents = 200

// Pane identifies which TUI pane is focused.
type Pane int

const (
	PaneIncidents Pane = iota
	PaneDetail
	PaneBlacklist
	paneCount
)

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSearch
)

// App is the root Bubble Tea model.
type App struct {
	client     *uds.Client
	events     chan uds.Message
	socketPath string
	connected  bool

	stats     agent.Stats
	blacklist []flood.Blackout
	incidents []core.ReportResult // newest first
	selected  int
	paused    bool

	activePane Pane
	mode       Mode
	search     textinput.Model
	width      int
	height     int

	statusMsg string
}

// New creates the model for the daemon at socketPath.
func New(socketPath string) App {
	si := textinput.New()
	si.Placeholder = "filter titles..."
	si.CharLimit = 64

	return App{
		socketPath: socketPath,
		search:     si,
		activePane: PaneIncidents,
		mode:       ModeNormal,
		statusMsg:  "connecting to " + socketPath,
	}
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		tea.SetWindowTitle("tripwire top"),
	)
}

type tickMsg time.Time

type connectedMsg struct {
	client *uds.Client
	events chan uds.Message
}

type disconnectedMsg struct{}

type statsMsg struct{ stats agent.Stats }

type blacklistMsg struct{ entries []flood.Blackout }

type incidentMsg struct{ result core.ReportResult }

type errorMsg struct{ err error }

// eventMsg wraps a message decoded from a pushed event so the listener can
// be re-armed after it is handled.
type eventMsg struct{ msg tea.Msg }

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		events := make(chan uds.Message, 64)
		client.OnEvent(eventSink(events))
		return connectedMsg{client: client, events: events}
	}
}

// eventSink forwards pushed events without ever blocking the client's
// reader. The channel is never closed; disconnects are seen via Done.
func eventSink(events chan<- uds.Message) uds.EventHandler {
	return func(m uds.Message) {
		select {
		case events <- m:
		default:
		}
	}
}

// waitEventCmd turns the next pushed event into a message, or reports the
// disconnect once done closes.
func waitEventCmd(events <-chan uds.Message, done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case m := <-events:
			return eventMsg{decodeEvent(m)}
		case <-done:
			return disconnectedMsg{}
		}
	}
}

func decodeEvent(m uds.Message) tea.Msg {
	switch m.Method {
	case uds.EventIncidentReported:
		var r core.ReportResult
		if err := m.UnmarshalData(&r); err != nil {
			return errorMsg{err}
		}
		return incidentMsg{r}
	case uds.EventStatsUpdated:
		var st agent.Stats
		if err := m.UnmarshalData(&st); err != nil {
			return errorMsg{err}
		}
		return statsMsg{st}
	}
	return nil
}

func tickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatsCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		resp, err := client.Request(ctx, uds.MethodStats, nil)
		if err != nil {
			return errorMsg{err}
		}
		var st agent.Stats
		if err := resp.UnmarshalData(&st); err != nil {
			return errorMsg{err}
		}
		return statsMsg{st}
	}
}

func fetchBlacklistCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		resp, err := client.Request(ctx, uds.MethodBlacklist, nil)
		if err != nil {
			return errorMsg{err}
		}
		var bl []flood.Blackout
		if err := resp.UnmarshalData(&bl); err != nil {
			return errorMsg{err}
		}
		return blacklistMsg{bl}
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.events = msg.events
		a.connected = true
		a.statusMsg = "connected"
		return a, tea.Batch(
			tickCmd(),
			fetchStatsCmd(a.client),
			fetchBlacklistCmd(a.client),
			waitEventCmd(a.events, a.client.Done()),
		)

	case eventMsg:
		next, cmd := a.Update(msg.msg)
		app := next.(App)
		if app.client == nil {
			return app, cmd
		}
		return app, tea.Batch(cmd, waitEventCmd(app.events, app.client.Done()))

	case disconnectedMsg:
		a.connected = false
		a.client = nil
		a.statusMsg = "daemon went away"
		return a, nil

	case tickMsg:
		if a.client != nil {
			return a, tea.Batch(tickCmd(), fetchBlacklistCmd(a.client))
		}
		return a, tickCmd()

	case statsMsg:
		first := a.stats.StartedAt.IsZero() && len(a.incidents) == 0
		a.stats = msg.stats
		if first {
			a.seedIncidents(msg.stats.Recent)
		}
		if a.client != nil && len(msg.stats.Blackouts) != len(a.blacklist) {
			return a, fetchBlacklistCmd(a.client)
		}
		return a, nil

	case blacklistMsg:
		a.blacklist = msg.entries
		return a, nil

	case incidentMsg:
		if !a.paused {
			a.addIncident(msg.result)
		}
		return a, nil

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

// seedIncidents loads the daemon's recent results, which arrive oldest first.
func (a *App) seedIncidents(recent []core.ReportResult) {
	for _, r := range recent {
		a.addIncident(r)
	}
}

func (a *App) addIncident(r core.ReportResult) {
	a.incidents = append([]core.ReportResult{r}, a.incidents...)
	if len(a.incidents) > maxIncidents {
		a.incidents = a.incidents[:maxIncidents]
	}
	if a.selected > 0 {
		a.selected = min(a.selected+1, len(a.incidents)-1)
	}
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.mode == ModeSearch {
		switch msg.String() {
		case "esc":
			a.mode = ModeNormal
			a.search.SetValue("")
			a.search.Blur()
			a.selected = 0
			return a, nil
		case "enter":
			a.mode = ModeNormal
			a.search.Blur()
			a.selected = 0
			return a, nil
		default:
			var cmd tea.Cmd
			a.search, cmd = a.search.Update(msg)
			return a, cmd
		}
	}

	switch msg.String() {
	case "q", "ctrl+c":
		if a.client != nil {
			a.client.Close()
		}
		return a, tea.Quit

	case "j", "down":
		if n := len(a.filteredIncidents()); a.activePane == PaneIncidents && n > 0 {
			a.selected = min(a.selected+1, n-1)
		}
	case "k", "up":
		if a.activePane == PaneIncidents && a.selected > 0 {
			a.selected--
		}
	case "g":
		a.selected = 0

	case "tab":
		a.activePane = (a.activePane + 1) % paneCount

	case "/":
		a.mode = ModeSearch
		a.search.Focus()
		return a, textinput.Blink

	case " ":
		a.paused = !a.paused

	case "r":
		if a.client == nil {
			return a, connectCmd(a.socketPath)
		}
		return a, tea.Batch(fetchStatsCmd(a.client), fetchBlacklistCmd(a.client))
	}

	return a, nil
}

func (a App) filteredIncidents() []core.ReportResult {
	q := strings.ToLower(a.search.Value())
	if q == "" {
		return a.incidents
	}
	var out []core.ReportResult
	for _, r := range a.incidents {
		if strings.Contains(strings.ToLower(r.Title), q) ||
			strings.Contains(strings.ToLower(string(r.Signature)), q) {
			out = append(out, r)
		}
	}
	return out
}

func (a App) selectedIncident() *core.ReportResult {
	items := a.filteredIncidents()
	if a.selected < len(items) {
		return &items[a.selected]
	}
	return nil
}
