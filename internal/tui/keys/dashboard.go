package keys

import "github.com/charmbracelet/bubbles/key"

// DashboardKeys drive the live run view
type DashboardKeys struct {
	CommonKeys
	Details key.Binding
	Clear   key.Binding
}

func NewDashboardKeys() DashboardKeys {
	return DashboardKeys{
		CommonKeys: NewCommonKeys(),
		Details: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "toggle timing details"),
		),
		Clear: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "clear log"),
		),
	}
}

func (k DashboardKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Help, k.Details, k.Quit}
}

func (k DashboardKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Details, k.Clear},
		{k.Help, k.Quit},
	}
}
