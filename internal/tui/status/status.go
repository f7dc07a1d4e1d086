package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/nsfeed/nsfeed/internal/feed"
	"github.com/nsfeed/nsfeed/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected bool // viewer to local server
	Health    feed.HealthSnapshot
	Facts     int
	Width     int
}

// New creates a status bar model.
func New() Model {
	return Model{}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	feedStatus := string(m.Health.Status)
	if feedStatus == "" {
		feedStatus = "unknown"
	}
	feedStr := lipgloss.NewStyle().Foreground(theme.HealthColor(feedStatus)).
		Render("feed: " + feedStatus)

	counts := fmt.Sprintf("%d facts  %d events", m.Facts, m.Health.Events)

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + feedStr + sep + counts
	if m.Health.DecodeFailures > 0 {
		content += sep + lipgloss.NewStyle().Foreground(theme.ColorWarning).
			Render(fmt.Sprintf("%d decode failures", m.Health.DecodeFailures))
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
