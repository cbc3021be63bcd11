package components

import (
	"fmt"
	"time"

	serialtest "github.com/allbin/serial-test"
	"github.com/allbin/serial-test/internal/tui/colors"
	"github.com/charmbracelet/lipgloss"
)

// StatusBar is the bottom line of the dashboard
type StatusBar struct {
	portPath string
	config   serialtest.Config
	state    serialtest.State
	elapsed  time.Duration
	stopping bool
	finished bool
	code     int
	width    int
}

func NewStatusBar(config serialtest.Config) *StatusBar {
	return &StatusBar{
		portPath: config.Port,
		config:   config,
		state:    serialtest.StateWaitTxStart,
	}
}

func (sb *StatusBar) SetWidth(width int) {
	sb.width = width
}

// Update records the latest engine view
func (sb *StatusBar) Update(state serialtest.State, elapsed time.Duration) {
	sb.state = state
	sb.elapsed = elapsed
}

func (sb *StatusBar) SetStopping() {
	sb.stopping = true
}

func (sb *StatusBar) SetFinished(code int) {
	sb.finished = true
	sb.code = code
}

func flowControlToString(fc serialtest.FlowControl) string {
	switch fc {
	case serialtest.FlowControlRTSCTS:
		return "RTS/CTS"
	default:
		return "no flow"
	}
}

func parityToString(p serialtest.Parity) string {
	switch p {
	case serialtest.ParityEven:
		return "E"
	case serialtest.ParityOdd:
		return "O"
	case serialtest.ParityMark:
		return "M"
	case serialtest.ParitySpace:
		return "S"
	default:
		return "N"
	}
}

// LineSettings formats the configured framing, e.g. "115200 baud 8N1 no flow"
func LineSettings(config serialtest.Config) string {
	return fmt.Sprintf("%d baud 8%s%d %s",
		config.RequestedBaud(),
		parityToString(config.Parity),
		config.StopBits,
		flowControlToString(config.FlowControl))
}

func (sb *StatusBar) modeText() (string, lipgloss.Color) {
	switch {
	case sb.finished && sb.code == 0:
		return "PASS", colors.Pass
	case sb.finished:
		return fmt.Sprintf("FAIL %d", sb.code), colors.Fail
	case sb.stopping:
		return "STOPPING", colors.Warn
	case sb.state == serialtest.StateWaitTxStart:
		return "WAIT", colors.Yellow
	default:
		return "RUN", colors.Blue
	}
}

func (sb *StatusBar) indicator() string {
	switch {
	case sb.finished && sb.code != 0:
		return lipgloss.NewStyle().Foreground(colors.Red).Render("✗")
	case sb.finished:
		return lipgloss.NewStyle().Foreground(colors.Green).Render("✓")
	case sb.state == serialtest.StateRunning:
		return lipgloss.NewStyle().Foreground(colors.Green).Render("●")
	default:
		return lipgloss.NewStyle().Foreground(colors.Yellow).Render("○")
	}
}

// View renders the bar across the configured width
func (sb *StatusBar) View() string {
	terminalWidth := sb.width
	if terminalWidth <= 0 {
		terminalWidth = 80
	}

	text, bg := sb.modeText()
	mode := lipgloss.NewStyle().
		Foreground(colors.Base).
		Background(bg).
		Bold(true).
		Padding(0, 1).
		Render(text)

	port := lipgloss.NewStyle().
		Foreground(colors.Mauve).
		Bold(true).
		Padding(0, 1).
		Render(sb.portPath)

	line := lipgloss.NewStyle().
		Foreground(colors.Subtext0).
		Padding(0, 1).
		Render("⚡ " + LineSettings(sb.config))

	elapsed := lipgloss.NewStyle().
		Foreground(colors.Text).
		Padding(0, 1).
		Render(sb.elapsed.Round(100 * time.Millisecond).String())

	divider := lipgloss.NewStyle().
		Foreground(colors.Overlay0).
		Padding(0, 1).
		Render("│")

	leftSide := lipgloss.JoinHorizontal(lipgloss.Left, mode, port, sb.indicator(), divider)
	rightSide := lipgloss.JoinHorizontal(lipgloss.Left, line, divider, elapsed)

	spacerWidth := terminalWidth - lipgloss.Width(leftSide) - lipgloss.Width(rightSide)
	if spacerWidth < 1 {
		spacerWidth = 1
	}
	spacer := lipgloss.NewStyle().Width(spacerWidth).Render("")

	return lipgloss.NewStyle().
		Foreground(colors.Text).
		Background(colors.Surface0).
		Width(terminalWidth).
		Render(lipgloss.JoinHorizontal(lipgloss.Left, leftSide, spacer, rightSide))
}
