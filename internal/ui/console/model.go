// Package console is the interactive terminal front end. It runs the collab
// app in the background and shows connectivity, realtime events and logs.
package console

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"collabkit/internal/app"
	"collabkit/internal/collab"
	"collabkit/internal/config"
	"collabkit/internal/environment"
	"collabkit/internal/logging"
	"collabkit/internal/network"
	"collabkit/internal/realtime"
	"collabkit/internal/respcache"
)

const (
	logChannelBufferSize    = 512
	eventChannelBufferSize  = 128
	statusChannelBufferSize = 16
	paneLineLimit           = 2000
	tickInterval            = time.Second
	stopWait                = 5 * time.Second
)

// RunFunc runs the app until ctx ends, reporting through hooks.
type RunFunc func(ctx context.Context, hooks app.Callbacks) error

func Run(ctx context.Context, buildVersion string, opts config.Options, logger *logging.Logger) error {
	logger.SetTerminalOutputEnabled(false)
	logger.Info("starting console", logging.Field("version", buildVersion))

	env := environment.New(logger.Named("environment"))
	m := newModel(ctx, buildVersion, opts, env, logger, func(ctx context.Context, hooks app.Callbacks) error {
		return app.New(opts, env, nil, logger, hooks).RunContext(ctx)
	})
	program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithReportFocus())
	_, err := program.Run()
	m.cleanup()
	return err
}

type logMsg string
type eventMsg string
type statusMsg network.Status
type clientMsg struct{ client *collab.Client }
type runDoneMsg struct{ err error }
type tickMsg struct{}

type pane int

const (
	paneEvents pane = iota
	paneLogs
)

type modelDeps struct {
	logger      *logging.Logger
	env         *environment.Environment
	run         RunFunc
	runCtx      context.Context
	runCancel   context.CancelFunc
	unsubscribe func()
	stopped     chan struct{}
}

type modelChannels struct {
	logCh    chan string
	eventCh  chan string
	statusCh chan network.Status
	clientCh chan *collab.Client
	doneCh   chan error
}

type modelState struct {
	status    network.Status
	client    *collab.Client
	visible   bool
	running   bool
	quitting  bool
	runErr    error
	events    int
	lastEvent time.Time
	now       time.Time
}

type modelUI struct {
	width      int
	height     int
	active     pane
	eventView  viewport.Model
	logView    viewport.Model
	eventLines []string
	logLines   []string
	keys       keyMap
	help       help.Model
}

type model struct {
	buildVersion string
	opts         config.Options
	modelDeps
	modelChannels
	modelState
	ui          modelUI
	cleanupOnce sync.Once
}

func newModel(rootCtx context.Context, buildVersion string, opts config.Options, env *environment.Environment, logger *logging.Logger, run RunFunc) *model {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	runCtx, runCancel := context.WithCancel(rootCtx)
	m := &model{
		buildVersion: buildVersion,
		opts:         opts,
		modelDeps: modelDeps{
			logger:    logger,
			env:       env,
			run:       run,
			runCtx:    runCtx,
			runCancel: runCancel,
			stopped:   make(chan struct{}),
		},
		modelChannels: modelChannels{
			logCh:    make(chan string, logChannelBufferSize),
			eventCh:  make(chan string, eventChannelBufferSize),
			statusCh: make(chan network.Status, statusChannelBufferSize),
			clientCh: make(chan *collab.Client, 1),
			doneCh:   make(chan error, 1),
		},
		modelState: modelState{
			status:  network.Status{State: network.StateOnline, IsPending: true},
			visible: env.Visible(),
			now:     time.Now(),
		},
		ui: modelUI{
			eventView: viewport.New(80, 5),
			logView:   viewport.New(80, 10),
			keys:      newKeyMap(),
			help:      help.New(),
		},
	}
	m.unsubscribe = logger.Subscribe(func(event logging.Event) {
		pushDropOldest(m.logCh, logging.FormatEventANSI(event))
	})
	return m
}

// pushDropOldest never blocks: a full channel loses its oldest value.
func pushDropOldest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(
		waitForLog(m.logCh),
		waitForEvent(m.eventCh),
		waitForStatus(m.statusCh),
		waitForClient(m.clientCh),
		waitForDone(m.doneCh),
		tickCmd(),
		m.startCmd(),
	)
}

func (m *model) startCmd() tea.Cmd {
	if m.run == nil {
		close(m.stopped)
		return nil
	}
	m.running = true
	hooks := m.callbacks()
	go func() {
		defer close(m.stopped)
		m.doneCh <- m.run(m.runCtx, hooks)
	}()
	return nil
}

func (m *model) callbacks() app.Callbacks {
	return app.Callbacks{
		OnEvent: func(e realtime.Event) {
			pushDropOldest(m.eventCh, formatEvent(e, time.Now()))
		},
		OnStatusChange: func(s network.Status) {
			pushDropOldest(m.statusCh, s)
		},
		OnFetch: func(path string, entry respcache.Entry) {
			pushDropOldest(m.eventCh, formatFetch(path, entry, time.Now()))
		},
		OnClient: func(c *collab.Client) {
			pushDropOldest(m.clientCh, c)
		},
	}
}

func formatEvent(e realtime.Event, at time.Time) string {
	return fmt.Sprintf("%s %s %s", at.Format("15:04:05"), titleStyle.Render(e.Name), logging.Truncate(strings.TrimSpace(string(e.Payload))))
}

func formatFetch(path string, entry respcache.Entry, at time.Time) string {
	source := "network"
	if entry.Cached {
		source = "cache " + entry.StoredAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("%s %s %d from %s", at.Format("15:04:05"), mutedStyle.Render("GET "+path), entry.Status, source)
}

func waitForLog(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-ch
		if !ok {
			return nil
		}
		return logMsg(line)
	}
}

func waitForEvent(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(line)
	}
}

func waitForStatus(ch <-chan network.Status) tea.Cmd {
	return func() tea.Msg {
		status, ok := <-ch
		if !ok {
			return nil
		}
		return statusMsg(status)
	}
}

func waitForClient(ch <-chan *collab.Client) tea.Cmd {
	return func() tea.Msg {
		c, ok := <-ch
		if !ok {
			return nil
		}
		return clientMsg{client: c}
	}
}

func waitForDone(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		return runDoneMsg{err: <-ch}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m *model) cleanup() {
	m.cleanupOnce.Do(func() {
		m.logger.Debug("console cleanup started")
		if m.runCancel != nil {
			m.runCancel()
		}
		if m.running {
			select {
			case <-m.stopped:
			case <-time.After(stopWait):
				m.logger.Warn("app did not stop in time")
			}
		}
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	})
}
