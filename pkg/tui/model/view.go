package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/modoterra/tripwire/pkg/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	existingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	activePaneStyle = paneStyle.
			BorderForeground(lipgloss.Color("205"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// dropOrder fixes the column order of drop reasons.
var dropOrder = []core.Decision{
	core.DecisionCooldown,
	core.DecisionBlacklisted,
	core.DecisionBurst,
	core.DecisionThrottled,
	core.DecisionQueueFull,
}

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}

	statusBarH := 1
	overviewH := 4
	blacklistH := max(a.height/5, 4)
	mainH := a.height - overviewH - blacklistH - statusBarH - 6
	if mainH < 3 {
		mainH = 3
	}
	listW := a.width*3/5 - 2
	detailW := a.width - listW - 4

	overview := paneStyle.Width(a.width - 4).Height(overviewH).Render(a.renderOverview(a.width - 6))

	list := a.renderIncidents(listW, mainH)
	listPane := a.paneBox(PaneIncidents, a.incidentsTitle(), list, listW, mainH)

	detail := a.renderDetail(detailW)
	detailPane := a.paneBox(PaneDetail, " Detail ", detail, detailW, mainH)

	middle := lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)

	bl := a.renderBlacklist(a.width-6, blacklistH)
	blPane := a.paneBox(PaneBlacklist, " Blacklist ", bl, a.width-4, blacklistH)

	return lipgloss.JoinVertical(lipgloss.Left, overview, middle, blPane, a.renderStatusBar())
}

func (a App) paneBox(pane Pane, title, content string, w, h int) string {
	style := paneStyle
	if a.activePane == pane {
		style = activePaneStyle
	}
	return style.Width(w).Height(h).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

func (a App) renderOverview(w int) string {
	st := a.stats
	if !a.connected {
		return dimStyle.Render("not connected")
	}

	state := okStyle.Render("running")
	if !st.Running {
		state = failedStyle.Render("stopped")
	}

	var drops []string
	for _, d := range dropOrder {
		if n := st.Decisions[d]; n > 0 {
			drops = append(drops, fmt.Sprintf("%s=%d", d, n))
		}
	}
	dropDetail := ""
	if len(drops) > 0 {
		dropDetail = " (" + strings.Join(drops, " ") + ")"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  up %s  files %d\n",
		titleStyle.Render("tripwire"), state, formatUptime(st.StartedAt), len(st.Files))
	fmt.Fprintf(&b, "lines %d  matches %d  queued %d  dropped %d%s\n",
		st.Lines, st.Matches, st.Admitted(), st.Dropped(), dropDetail)
	fmt.Fprintf(&b, "queue %d/%d  window %d  reported %s  failed %s\n",
		st.Queue.Len, st.Queue.Cap, st.InWindow,
		okStyle.Render(fmt.Sprint(st.Reported)), failedStyle.Render(fmt.Sprint(st.Failed)))
	b.WriteString(dimStyle.Render(truncate(st.Policy, w)))
	return b.String()
}

func (a App) incidentsTitle() string {
	title := " Incidents "
	if a.paused {
		title += warnStyle.Render("[PAUSED]") + " "
	}
	return title
}

func (a App) renderIncidents(w, h int) string {
	items := a.filteredIncidents()
	if len(items) == 0 {
		if a.mode == ModeSearch {
			return dimStyle.Render("no matches") + "\n\n" + a.search.View()
		}
		return dimStyle.Render("no incidents reported yet")
	}

	var b strings.Builder
	maxVisible := h - 2
	if a.mode == ModeSearch {
		maxVisible -= 2
	}
	start := 0
	if a.selected >= maxVisible {
		start = a.selected - maxVisible + 1
	}

	for i := start; i < len(items) && i-start < maxVisible; i++ {
		r := items[i]
		title := truncate(r.Title, w-15)
		line := fmt.Sprintf(" %s %s %s", resultIndicator(r), r.At.Local().Format("15:04:05"), title)

		if i == a.selected && a.activePane == PaneIncidents {
			line = selectedStyle.Width(w).Render(line)
		}
		b.WriteString(line + "\n")
	}

	if a.mode == ModeSearch {
		b.WriteString("\n" + a.search.View())
	}
	return b.String()
}

func (a App) renderDetail(w int) string {
	r := a.selectedIncident()
	if r == nil {
		return dimStyle.Render("select an incident")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Title:     %s\n", truncate(r.Title, w-11))
	if user, _, err := core.ParseIncidentTitle(r.Title); err == nil {
		fmt.Fprintf(&b, "User:      %s\n", truncate(user, w-11))
	}
	fmt.Fprintf(&b, "Outcome:   %s\n", outcome(*r))
	if r.IncidentID > 0 {
		fmt.Fprintf(&b, "Incident:  #%d\n", r.IncidentID)
	}
	fmt.Fprintf(&b, "Signature: %s\n", dimStyle.Render(truncate(string(r.Signature), w-11)))
	fmt.Fprintf(&b, "Log:       %s\n", truncate(r.Path, w-11))
	fmt.Fprintf(&b, "At:        %s\n", r.At.Local().Format(time.DateTime))
	if r.Err != "" {
		fmt.Fprintf(&b, "\n%s\n", failedStyle.Render(wrap(r.Err, w)))
	}
	return b.String()
}

func (a App) renderBlacklist(w, h int) string {
	if len(a.blacklist) == 0 {
		return dimStyle.Render("no signatures blacked out")
	}

	entries := append(a.blacklist[:0:0], a.blacklist...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Until.Before(entries[j].Until) })

	var b strings.Builder
	for i, e := range entries {
		if i >= h-1 {
			fmt.Fprintf(&b, "%s\n", dimStyle.Render(fmt.Sprintf("... %d more", len(entries)-i)))
			break
		}
		left := time.Until(e.Until).Truncate(time.Second)
		if left < 0 {
			left = 0
		}
		sig := truncate(string(e.Signature), w-16)
		fmt.Fprintf(&b, " %s %s\n", warnStyle.Render(fmt.Sprintf("%8s", left)), sig)
	}
	return b.String()
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	right := "j/k:nav tab:pane /:filter space:pause r:refresh q:quit"
	if a.mode == ModeSearch {
		right = "enter:apply esc:clear"
	}

	gap := a.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func resultIndicator(r core.ReportResult) string {
	switch {
	case r.Err != "":
		return failedStyle.Render("✖")
	case r.Existing:
		return existingStyle.Render("=")
	case r.Attached:
		return okStyle.Render("●")
	default:
		return dimStyle.Render("?")
	}
}

func outcome(r core.ReportResult) string {
	switch {
	case r.Err != "" && r.Created:
		return failedStyle.Render("created, attachment failed")
	case r.Err != "":
		return failedStyle.Render("failed")
	case r.Existing:
		return existingStyle.Render("already reported")
	case r.Attached:
		return okStyle.Render("created with log attached")
	default:
		return dimStyle.Render("unknown")
	}
}

// truncate cuts s to at most width terminal cells.
func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

// wrap breaks s into lines of at most width cells.
func wrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	return runewidth.Wrap(s, width)
}

func formatUptime(since time.Time) string {
	if since.IsZero() {
		return "-"
	}
	d := time.Since(since).Truncate(time.Second)
	if d < time.Minute {
		return d.String()
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
