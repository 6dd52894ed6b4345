// Package main provides fleetvotectl, a terminal dashboard for the
// vote-fleet control plane. It polls the HTTP API fleetvoted exposes
// (GET /api/status, /api/statistics, /api/instances) and renders them
// with bubbletea/lipgloss.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type statusResp struct {
	MonitoringActive  bool   `json:"monitoring_active"`
	GlobalLimitActive bool   `json:"global_limit_active"`
	ReactivationTime  *int64 `json:"reactivation_time,omitempty"`
}

type statsResp struct {
	TotalAttempts   int64   `json:"total_attempts"`
	Successful      int64   `json:"successful"`
	Failed          int64   `json:"failed"`
	HourlyLimitHits int64   `json:"hourly_limit_hits"`
	SuccessRate     float64 `json:"success_rate"`
}

type instanceView struct {
	InstanceID        int    `json:"instance_id"`
	IP                string `json:"ip,omitempty"`
	State             string `json:"state"`
	SecondsRemaining  int    `json:"seconds_remaining"`
	VoteCount         int    `json:"vote_count"`
	LastFailureReason string `json:"last_failure_reason,omitempty"`
}

// tickMsg requests a fresh poll of the control plane.
type tickMsg time.Time

// snapshotMsg carries one poll's results (or an error) into Update.
type snapshotMsg struct {
	status    statusResp
	stats     statsResp
	instances []instanceView
	err       error
}

type model struct {
	apiBase string
	client  *http.Client

	snapshot snapshotMsg
	lastPoll time.Time
}

func newModel(apiBase string) model {
	return model{apiBase: apiBase, client: &http.Client{Timeout: 5 * time.Second}}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		var snap snapshotMsg
		if err := getJSON(m.client, m.apiBase+"/api/status", &snap.status); err != nil {
			snap.err = err
			return snap
		}
		if err := getJSON(m.client, m.apiBase+"/api/statistics", &snap.stats); err != nil {
			snap.err = err
			return snap
		}
		if err := getJSON(m.client, m.apiBase+"/api/instances", &snap.instances); err != nil {
			snap.err = err
			return snap
		}
		return snap
	}
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), tick())
	case snapshotMsg:
		m.snapshot = msg
		m.lastPoll = time.Now()
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var b []byte

	title := headerStyle.Render("fleetvotectl") + dimStyle.Render("  "+m.apiBase)
	b = append(b, title+"\n\n"...)

	if m.snapshot.err != nil {
		b = append(b, errStyle.Render("poll failed: "+m.snapshot.err.Error())+"\n"...)
		b = append(b, dimStyle.Render("\n[q] quit  [r] refresh now")+"\n"...)
		return string(b)
	}

	b = append(b, renderStatusLine(m.snapshot.status)+"\n"...)
	b = append(b, renderStatsLine(m.snapshot.stats)+"\n\n"...)
	b = append(b, borderStyle.Render(renderInstanceTable(m.snapshot.instances))+"\n"...)
	b = append(b, dimStyle.Render(fmt.Sprintf("\nlast poll %s ago  [q] quit  [r] refresh now", time.Since(m.lastPoll).Round(time.Second)))+"\n"...)
	return string(b)
}

func renderStatusLine(s statusResp) string {
	mon := errStyle.Render("stopped")
	if s.MonitoringActive {
		mon = okStyle.Render("running")
	}
	gate := okStyle.Render("inactive")
	if s.GlobalLimitActive {
		until := "unknown"
		if s.ReactivationTime != nil {
			until = time.UnixMilli(*s.ReactivationTime).Format("15:04:05")
		}
		gate = warnStyle.Render("ACTIVE until " + until)
	}
	return fmt.Sprintf("monitoring: %s   global limit: %s", mon, gate)
}

func renderStatsLine(s statsResp) string {
	return fmt.Sprintf(
		"attempts: %d   success: %s   failed: %s   hourly-limit hits: %d   success rate: %.1f%%",
		s.TotalAttempts, okStyle.Render(fmt.Sprint(s.Successful)), errStyle.Render(fmt.Sprint(s.Failed)),
		s.HourlyLimitHits, s.SuccessRate*100,
	)
}

func renderInstanceTable(instances []instanceView) string {
	if len(instances) == 0 {
		return dimStyle.Render("no instances owned yet")
	}
	sorted := make([]instanceView, len(instances))
	copy(sorted, instances)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InstanceID < sorted[j].InstanceID })

	rows := fmt.Sprintf("%-6s %-9s %-15s %-8s %-9s %s\n", "ID", "STATE", "IP", "VOTES", "ETA(s)", "LAST FAILURE")
	for _, inst := range sorted {
		rows += fmt.Sprintf("%-6d %-9s %-15s %-8d %-9d %s\n",
			inst.InstanceID, stateStyled(inst.State), inst.IP, inst.VoteCount, inst.SecondsRemaining, inst.LastFailureReason)
	}
	return rows
}

func stateStyled(state string) string {
	switch state {
	case "voting", "navigating", "launching":
		return okStyle.Render(state)
	case "paused", "retry_scheduled":
		return warnStyle.Render(state)
	case "awaiting_login", "excluded":
		return errStyle.Render(state)
	default:
		return state
	}
}

func main() {
	apiBase := flag.String("api", "http://127.0.0.1:8787", "fleetvoted control-plane base URL")
	flag.Parse()

	p := tea.NewProgram(newModel(*apiBase))
	if _, err := p.Run(); err != nil {
		fmt.Println("fleetvotectl:", err)
	}
}
