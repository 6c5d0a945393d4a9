package console

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"collabkit/internal/logging"
	"collabkit/internal/network"
)

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ui.width = msg.Width
		m.ui.height = msg.Height
		m.resize()
		return m, nil
	case tea.FocusMsg:
		m.setVisible(true)
		return m, nil
	case tea.BlurMsg:
		m.setVisible(false)
		return m, nil
	case logMsg:
		m.ui.logLines = appendLines(m.ui.logLines, string(msg), paneLineLimit)
		setPaneContent(&m.ui.logView, m.ui.logLines)
		return m, waitForLog(m.logCh)
	case eventMsg:
		m.events++
		m.lastEvent = time.Now()
		m.ui.eventLines = appendLines(m.ui.eventLines, string(msg), paneLineLimit)
		setPaneContent(&m.ui.eventView, m.ui.eventLines)
		return m, waitForEvent(m.eventCh)
	case statusMsg:
		m.status = network.Status(msg)
		return m, waitForStatus(m.statusCh)
	case clientMsg:
		m.client = msg.client
		return m, waitForClient(m.clientCh)
	case runDoneMsg:
		m.running = false
		m.runErr = msg.err
		if msg.err == nil || m.quitting {
			m.cleanup()
			return m, tea.Quit
		}
		m.logger.Error("app stopped", logging.Field("error", msg.err))
		m.resize()
		return m, nil
	case tickMsg:
		m.now = time.Now()
		return m, tickCmd()
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.ui.keys.Quit):
		m.quitting = true
		if !m.running {
			m.cleanup()
			return m, tea.Quit
		}
		// runDoneMsg finishes the quit once the app has shut down.
		m.runCancel()
		return m, nil
	case key.Matches(msg, m.ui.keys.SwitchPane):
		if m.ui.active == paneEvents {
			m.ui.active = paneLogs
		} else {
			m.ui.active = paneEvents
		}
		return m, nil
	case key.Matches(msg, m.ui.keys.ToggleOffline):
		online := !m.env.Online()
		m.logger.Info("device connectivity toggled", logging.Field("online", online))
		m.env.SetOnline(online)
		return m, nil
	case key.Matches(msg, m.ui.keys.Reconnect):
		if m.client == nil {
			return m, nil
		}
		if err := m.client.Connect(); err != nil {
			m.logger.Warn("reconnect request failed", logging.Field("error", err))
		}
		return m, nil
	case key.Matches(msg, m.ui.keys.Follow):
		m.activeView().GotoBottom()
		return m, nil
	case key.Matches(msg, m.ui.keys.Clear):
		if m.ui.active == paneEvents {
			m.ui.eventLines = nil
			setPaneContent(&m.ui.eventView, nil)
		} else {
			m.ui.logLines = nil
			setPaneContent(&m.ui.logView, nil)
		}
		return m, nil
	case key.Matches(msg, m.ui.keys.Help):
		m.ui.help.ShowAll = !m.ui.help.ShowAll
		m.resize()
		return m, nil
	}
	view := m.activeView()
	next, cmd := view.Update(msg)
	*view = next
	return m, cmd
}

func (m *model) setVisible(visible bool) {
	if m.visible == visible {
		return
	}
	m.visible = visible
	m.logger.Debug("terminal focus changed", logging.Field("visible", visible))
	m.env.SetVisible(visible)
}

func (m *model) activeView() *viewport.Model {
	if m.ui.active == paneEvents {
		return &m.ui.eventView
	}
	return &m.ui.logView
}

const (
	panelFrameRows = 3
	panelFrameCols = 4
	minPaneRows    = 3
	minPaneCols    = 20
)

func (m *model) resize() {
	if m.ui.width <= 0 || m.ui.height <= 0 {
		return
	}
	m.ui.help.Width = m.ui.width
	available := m.ui.height - len(m.headerLines()) - strings.Count(m.ui.help.View(m.ui.keys), "\n") - 1
	eventRows := max(available/3-panelFrameRows, minPaneRows)
	logRows := max(available-eventRows-2*panelFrameRows, minPaneRows)
	width := max(m.ui.width-panelFrameCols, minPaneCols)

	m.ui.eventView.Width = width
	m.ui.eventView.Height = eventRows
	m.ui.logView.Width = width
	m.ui.logView.Height = logRows
	setPaneContent(&m.ui.eventView, m.ui.eventLines)
	setPaneContent(&m.ui.logView, m.ui.logLines)
}

// setPaneContent rewraps lines to the view width and keeps following the
// tail when the view was already at the bottom.
func setPaneContent(view *viewport.Model, lines []string) {
	follow := view.AtBottom()
	text := strings.Join(lines, "\n")
	if view.Width > 0 && text != "" {
		text = ansi.Wrap(text, view.Width, "")
	}
	view.SetContent(text)
	if follow {
		view.GotoBottom()
	}
}

func appendLines(current []string, next string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	normalized := strings.ReplaceAll(next, "\r\n", "\n")
	normalized = strings.TrimRight(normalized, "\n")
	current = append(current, strings.Split(normalized, "\n")...)
	if len(current) > limit {
		current = append([]string(nil), current[len(current)-limit:]...)
	}
	return current
}
