package styles

import (
	"github.com/allbin/serial-test/internal/tui/colors"
	"github.com/charmbracelet/lipgloss"
)

// Theme holds the styles bound to one output renderer
type Theme struct {
	Title lipgloss.Style
	Label lipgloss.Style
	Value lipgloss.Style
	Muted lipgloss.Style
	Rx    lipgloss.Style
	Tx    lipgloss.Style
	Pass  lipgloss.Style
	Warn  lipgloss.Style
	Fail  lipgloss.Style
	Box   lipgloss.Style
}

// New builds the theme for r. Styles degrade to plain text when r's output
// is not a color terminal.
func New(r *lipgloss.Renderer) Theme {
	return Theme{
		Title: r.NewStyle().
			Bold(true).
			Foreground(colors.Heading),
		Label: r.NewStyle().
			Foreground(colors.Label).
			Width(18),
		Value: r.NewStyle().
			Foreground(colors.Value),
		Muted: r.NewStyle().
			Foreground(colors.Muted),
		Rx: r.NewStyle().
			Foreground(colors.Rx),
		Tx: r.NewStyle().
			Foreground(colors.Tx),
		Pass: r.NewStyle().
			Bold(true).
			Foreground(colors.Pass),
		Warn: r.NewStyle().
			Bold(true).
			Foreground(colors.Warn),
		Fail: r.NewStyle().
			Bold(true).
			Foreground(colors.Fail),
		Box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colors.Border).
			Padding(0, 1),
	}
}

// Verdict picks the pass or fail style for an exit status
func (t Theme) Verdict(status int) lipgloss.Style {
	switch {
	case status == 0:
		return t.Pass
	case status > 0:
		return t.Warn
	default:
		return t.Fail
	}
}
