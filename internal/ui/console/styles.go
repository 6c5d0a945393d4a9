package console

import (
	"github.com/charmbracelet/lipgloss"

	"collabkit/internal/network"
)

var (
	panelStyle       = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	activePanelStyle = panelStyle.BorderForeground(lipgloss.Color("10"))
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	mutedStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	badgeBase     = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	onlineBadge   = badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("10"))
	pendingBadge  = badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("11"))
	degradedBadge = badgeBase.Foreground(lipgloss.Color("15")).Background(lipgloss.Color("208"))
	offlineBadge  = badgeBase.Foreground(lipgloss.Color("15")).Background(lipgloss.Color("9"))
)

func badgeStyle(s network.Status) lipgloss.Style {
	switch {
	case s.State == network.StateOffline:
		return offlineBadge
	case s.IsPending:
		return pendingBadge
	case s.State == network.StateUnreachable:
		return degradedBadge
	default:
		return onlineBadge
	}
}
