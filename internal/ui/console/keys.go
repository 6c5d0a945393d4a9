package console

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	SwitchPane    key.Binding
	ToggleOffline key.Binding
	Reconnect     key.Binding
	Follow        key.Binding
	Clear         key.Binding
	Help          key.Binding
	Quit          key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		SwitchPane: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "switch pane"),
		),
		ToggleOffline: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "toggle offline"),
		),
		Reconnect: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reconnect"),
		),
		Follow: key.NewBinding(
			key.WithKeys("f", "end"),
			key.WithHelp("f/end", "follow"),
		),
		Clear: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "clear pane"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "more"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c", "q"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (m keyMap) ShortHelp() []key.Binding {
	return []key.Binding{m.SwitchPane, m.ToggleOffline, m.Reconnect, m.Help, m.Quit}
}

func (m keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{m.SwitchPane, m.Follow, m.Clear},
		{m.ToggleOffline, m.Reconnect},
		{m.Help, m.Quit},
	}
}
