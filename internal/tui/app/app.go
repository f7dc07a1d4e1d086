package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nsfeed/nsfeed/internal/feed"
	"github.com/nsfeed/nsfeed/internal/tui/client"
	"github.com/nsfeed/nsfeed/internal/tui/status"
	"github.com/nsfeed/nsfeed/internal/tui/theme"
	"github.com/nsfeed/nsfeed/internal/ws"
)

// Age thresholds in hours.
const (
	siteWarnHours     = 48
	siteUrgentHours   = 72
	sensorWarnHours   = 7 * 24
	sensorUrgentHours = 10 * 24
)

// Model is the root Bubble Tea model.
type Model struct {
	ws     *client.WSClient
	ctx    context.Context
	cancel context.CancelFunc

	keys    KeyMap
	width   int
	height  int
	spinner spinner.Model

	facts map[string]ws.Fact

	showFacts bool
	offset    int

	statusBar status.Model
	connected bool

	now func() time.Time
}

// New creates the root model.
func New(wsc *client.WSClient) Model {
	ctx, cancel := context.WithCancel(context.Background())
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorWarning)
	return Model{
		ws:        wsc,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		spinner:   sp,
		facts:     make(map[string]ws.Fact),
		statusBar: status.New(),
		now:       time.Now,
	}
}

// Init starts the websocket connection.
func (m Model) Init() tea.Cmd {
	if m.ws == nil {
		return m.spinner.Tick
	}
	return tea.Batch(m.ws.Listen(m.ctx), m.spinner.Tick)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		return m, m.ws.Listen(m.ctx)

	case client.WSSnapshotMsg:
		m.facts = make(map[string]ws.Fact, len(msg.Payload.Facts))
		m.applyFacts(msg.Payload.Facts)
		m.statusBar.Health = msg.Payload.Health
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSFactMsg:
		m.applyFacts(msg.Payload.Facts)
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSStatusMsg:
		m.statusBar.Health = msg.Payload.Health
		return m, m.ws.ReadLoop(m.ctx)
	}

	return m, nil
}

func (m *Model) applyFacts(facts []ws.Fact) {
	for _, f := range facts {
		m.facts[f.Key] = f
	}
	m.statusBar.Facts = len(m.facts)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.cancel()
		if m.ws != nil {
			m.ws.Close()
		}
		return m, tea.Quit
	}

	if m.showFacts {
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Facts):
			m.showFacts = false
			m.offset = 0
		case key.Matches(msg, m.keys.Down):
			if m.offset < len(m.facts)-1 {
				m.offset++
			}
		case key.Matches(msg, m.keys.Up):
			if m.offset > 0 {
				m.offset--
			}
		}
		return m, nil
	}

	if key.Matches(msg, m.keys.Facts) {
		m.showFacts = true
	}
	return m, nil
}

// View renders the full viewer.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if !m.connected {
		return m.renderDisconnected()
	}

	body := m.renderDashboard()
	if m.showFacts {
		body = m.renderFacts()
	}

	sections := []string{
		m.statusBar.View(),
		body,
		theme.StyleDimmed.Render("  f:facts  j/k:scroll  q:quit"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderDisconnected() string {
	panel := theme.StyleBorder.
		Padding(1, 4).
		Render(lipgloss.JoinVertical(lipgloss.Center,
			lipgloss.NewStyle().Bold(true).Foreground(theme.ColorDanger).Render("DISCONNECTED"),
			"",
			m.spinner.View()+" Reconnecting to nsfeed...",
		))
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, panel)
}

func (m Model) renderDashboard() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Top, m.renderGlucose(), m.renderPump()),
		m.renderNotification(),
	)
}

func (m Model) renderGlucose() string {
	mgdl, _ := m.number(feed.KeyMgdl)
	reading := "---"
	if mgdl > 0 {
		reading = fmt.Sprintf("%.0f", mgdl)
	}
	arrow := theme.DirectionArrow(m.text(feed.KeyMgdlDirection))

	big := lipgloss.NewStyle().Bold(true).Foreground(theme.GlucoseColor(mgdl)).
		Render(reading + " " + arrow)

	lines := []string{
		theme.StyleHeader.Render("Glucose"),
		big,
		theme.StyleDimmed.Render("mg/dl"),
	}
	if last, ok := m.number(feed.KeyLastUpdate); ok && last > 0 {
		ago := m.now().Sub(time.UnixMilli(int64(last))).Truncate(time.Minute)
		lines = append(lines, theme.StyleDimmed.Render("updated "+formatAgo(ago)))
	}
	return theme.StyleBorder.Width(24).Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func (m Model) renderPump() string {
	var b strings.Builder
	b.WriteString(theme.StyleHeader.Render("Devices") + "\n")
	writeRow(&b, "Device", m.text(feed.KeyDevice))
	writeRow(&b, "Reservoir", m.unit(feed.KeyReservoir, "U"))
	writeRow(&b, "IOB", m.unit(feed.KeyBolusIOB, "U"))
	writeRow(&b, "Pump battery", m.unit(feed.KeyPumpBattery, "%"))
	writeRow(&b, "Phone battery", m.unit(feed.KeyUploaderBattery, "%"))
	writeRow(&b, "Pump status", m.pumpStatus())
	b.WriteString(m.ageRow("Site age", feed.SiteAge.Prefix, siteWarnHours, siteUrgentHours) + "\n")
	b.WriteString(m.ageRow("Sensor age", feed.SensorAge.Prefix, sensorWarnHours, sensorUrgentHours))
	return theme.StyleBorder.Width(40).Padding(0, 1).Render(b.String())
}

func (m Model) pumpStatus() string {
	s := m.text(feed.KeyStatus)
	if b, _ := m.facts[feed.KeySuspended].Val.(bool); b {
		s += " (suspended)"
	}
	if b, _ := m.facts[feed.KeyBolusing].Val.(bool); b {
		s += " (bolusing)"
	}
	return s
}

func (m Model) ageRow(label, prefix string, warn, urgent int) string {
	hours, ok := m.number(prefix + ".age")
	if !ok {
		return theme.StyleLabel.Render(label) + theme.StyleDimmed.Render("-")
	}
	days, _ := m.number(prefix + ".days")
	rem, _ := m.number(prefix + ".hours")
	val := lipgloss.NewStyle().Foreground(theme.AgeColor(int(hours), warn, urgent)).
		Render(fmt.Sprintf("%dd %dh", int(days), int(rem)))
	return theme.StyleLabel.Render(label) + val
}

func (m Model) renderNotification() string {
	var md strings.Builder
	for _, k := range []string{feed.KeyUrgentAlarm, feed.KeyAlarm, feed.KeyNotification} {
		v := m.text(k)
		if v == "" {
			continue
		}
		switch k {
		case feed.KeyUrgentAlarm:
			md.WriteString("**URGENT:** ")
		case feed.KeyAlarm:
			md.WriteString("**Alarm:** ")
		}
		md.WriteString(v)
		if f, ok := m.facts[k]; ok && f.TS > 0 {
			md.WriteString(" _(" + time.UnixMilli(f.TS).Format("15:04") + ")_")
		}
		md.WriteString("\n\n")
	}
	if md.Len() == 0 {
		return theme.StyleDimmed.Render("  No notifications")
	}
	return renderMarkdown(md.String(), max(m.width-4, 20))
}

// renderMarkdown falls back to the raw text if glamour cannot render.
func renderMarkdown(md string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}

func (m Model) renderFacts() string {
	keys := make([]string, 0, len(m.facts))
	for k := range m.facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	visible := max(m.height-6, 1)
	start := min(m.offset, max(len(keys)-1, 0))
	end := min(start+visible, len(keys))

	var b strings.Builder
	b.WriteString(theme.StyleHeader.Render(fmt.Sprintf("Facts (%d)", len(keys))) + "\n")
	for _, k := range keys[start:end] {
		f := m.facts[k]
		ack := " "
		if f.Ack {
			ack = "✓"
		}
		fmt.Fprintf(&b, "%s %-26s %v\n", ack, k, f.Val)
	}
	return theme.StyleBorder.Padding(0, 1).Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) number(k string) (float64, bool) {
	f, ok := m.facts[k]
	if !ok {
		return 0, false
	}
	n, ok := f.Val.(float64)
	return n, ok
}

func (m Model) text(k string) string {
	f, ok := m.facts[k]
	if !ok || f.Val == nil {
		return ""
	}
	if s, ok := f.Val.(string); ok {
		return s
	}
	return fmt.Sprint(f.Val)
}

func (m Model) unit(k, suffix string) string {
	n, ok := m.number(k)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%g%s", n, suffix)
}

func writeRow(b *strings.Builder, label, value string) {
	if value == "" {
		value = "-"
	}
	b.WriteString(theme.StyleLabel.Render(label) + theme.StyleValue.Render(value) + "\n")
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm ago", int(d.Hours()), int(d.Minutes())%60)
	}
}
