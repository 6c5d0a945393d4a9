package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

func (m *model) View() string {
	if m.quitting {
		return mutedStyle.Render("Stopping...") + "\n"
	}
	sections := append(m.headerLines(),
		m.renderPanel("Events", paneEvents, m.ui.eventView.View()),
		m.renderPanel("Logs", paneLogs, m.ui.logView.View()),
		m.ui.help.View(m.ui.keys),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *model) headerLines() []string {
	title := titleStyle.Render("collabkit " + m.buildVersion)
	badge := badgeStyle(m.status).Render(m.status.Label())
	focus := "visible"
	if !m.visible {
		focus = "hidden"
	}
	lines := []string{
		title + " " + badge + " " + mutedStyle.Render(focus),
		m.fit(mutedStyle.Render(fmt.Sprintf("%s via %s  events %d%s", m.opts.BaseURL, m.transportLabel(), m.events, m.sinceLastEvent()))),
	}
	if m.runErr != nil {
		lines = append(lines, m.fit(errorStyle.Render("error: "+m.runErr.Error())))
	}
	return lines
}

func (m *model) transportLabel() string {
	transport := strings.TrimSpace(m.opts.Transport)
	if transport == "" {
		transport = "ws"
	}
	if transport == "ws" && m.opts.Protocol != "" {
		return transport + "/" + m.opts.Protocol
	}
	return transport
}

func (m *model) sinceLastEvent() string {
	if m.lastEvent.IsZero() {
		return ""
	}
	since := max(m.now.Sub(m.lastEvent), 0)
	return fmt.Sprintf(", last %s ago", since.Truncate(time.Second))
}

func (m *model) renderPanel(title string, p pane, body string) string {
	style := panelStyle
	if m.ui.active == p {
		style = activePanelStyle
	}
	if m.ui.width > 0 {
		style = style.Width(max(m.ui.width-2, minPaneCols))
	}
	return style.Render(titleStyle.Render(title) + "\n" + body)
}

func (m *model) fit(line string) string {
	if m.ui.width <= 0 {
		return line
	}
	return ansi.Truncate(line, m.ui.width, "…")
}
