package colors

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha tones used by the report and the dashboard
var (
	Base     = lipgloss.Color("#1e1e2e")
	Surface0 = lipgloss.Color("#313244")
	Surface1 = lipgloss.Color("#45475a")
	Overlay0 = lipgloss.Color("#6c7086")
	Subtext0 = lipgloss.Color("#a6adc8")
	Text     = lipgloss.Color("#cdd6f4")

	Blue   = lipgloss.Color("#89b4fa")
	Teal   = lipgloss.Color("#94e2d5")
	Green  = lipgloss.Color("#a6e3a1")
	Yellow = lipgloss.Color("#f9e2af")
	Peach  = lipgloss.Color("#fab387")
	Red    = lipgloss.Color("#f38ba8")
	Mauve  = lipgloss.Color("#cba6f7")
)

// Roles map report semantics onto the palette
var (
	Heading = Mauve
	Label   = Subtext0
	Value   = Text
	Muted   = Overlay0
	Rx      = Teal
	Tx      = Blue
	Pass    = Green
	Warn    = Yellow
	Fail    = Red
	Border  = Surface1
)
