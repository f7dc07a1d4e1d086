// Package theme provides the Lip Gloss color palette and reusable styles
// for the nsfeed viewer. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Glucose range colors.
var (
	ColorUrgentLow = lipgloss.Color("#dc2626")
	ColorLow       = lipgloss.Color("#d97706")
	ColorInRange   = lipgloss.Color("#22c55e")
	ColorHigh      = lipgloss.Color("#f59e0b")
	ColorUrgentHi  = lipgloss.Color("#dc2626")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorDefault = lipgloss.Color("#9ca3af")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// Range thresholds in mg/dl.
const (
	UrgentLowMgdl  = 55
	LowMgdl        = 70
	HighMgdl       = 180
	UrgentHighMgdl = 250
)

// GlucoseColor returns the color for a glucose value in mg/dl.
func GlucoseColor(mgdl float64) lipgloss.Color {
	switch {
	case mgdl <= 0:
		return ColorDefault
	case mgdl < UrgentLowMgdl:
		return ColorUrgentLow
	case mgdl < LowMgdl:
		return ColorLow
	case mgdl <= HighMgdl:
		return ColorInRange
	case mgdl <= UrgentHighMgdl:
		return ColorHigh
	default:
		return ColorUrgentHi
	}
}

// HealthColor returns the color for a feed health status string.
func HealthColor(status string) lipgloss.Color {
	switch status {
	case "healthy":
		return ColorHealthy
	case "degraded":
		return ColorWarning
	case "unauthorized", "disconnected":
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// AgeColor colors a cannula/sensor age in hours. Sites are usually
// changed after three days and sensors after ten.
func AgeColor(hours, warnAt, urgentAt int) lipgloss.Color {
	switch {
	case hours >= urgentAt:
		return ColorDanger
	case hours >= warnAt:
		return ColorWarning
	default:
		return ColorBright
	}
}

// DirectionArrow maps a trend name to an arrow glyph.
func DirectionArrow(direction string) string {
	switch direction {
	case "DoubleUp":
		return "⇈"
	case "SingleUp":
		return "↑"
	case "FortyFiveUp":
		return "↗"
	case "Flat":
		return "→"
	case "FortyFiveDown":
		return "↘"
	case "SingleDown":
		return "↓"
	case "DoubleDown":
		return "⇊"
	default:
		return "·"
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleLabel = lipgloss.NewStyle().
			Foreground(ColorDimmed).
			Width(14)

	StyleValue = lipgloss.NewStyle().
			Foreground(ColorBright)
)
