package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is a cheap handle onto a shared sink. Named and With return
// derived handles that write to the same outputs and subscribers.
type Logger struct {
	core      *core
	component string
	fields    []slog.Attr
}

type core struct {
	debugEnabled atomic.Bool
	terminalOut  atomic.Bool
	pretty       bool

	mu          sync.RWMutex
	out         io.Writer
	fileSink    *fileSink
	nextID      int
	subscribers map[int]func(Event)
}

type Event struct {
	Time      time.Time
	Level     slog.Level
	Component string
	Message   string
	Fields    map[string]any
}

func New(debug bool) *Logger {
	c := &core{
		pretty:      shouldPrettyPrint(),
		out:         os.Stderr,
		subscribers: map[int]func(Event){},
	}
	c.debugEnabled.Store(debug)
	c.terminalOut.Store(true)
	return &Logger{core: c}
}

// Discard returns a logger that never writes to the terminal. Subscribers
// still receive events.
func Discard() *Logger {
	l := New(true)
	l.SetTerminalOutputEnabled(false)
	return l
}

func Field(key string, value any) slog.Attr {
	return slog.Any(key, value)
}

// Named returns a child logger tagged with component. Nested names are
// joined with a dot.
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return nil
	}
	component = strings.TrimSpace(component)
	if l.component != "" && component != "" {
		component = l.component + "." + component
	} else if component == "" {
		component = l.component
	}
	return &Logger{core: l.core, component: component, fields: l.fields}
}

// With returns a child logger that adds fields to every event.
func (l *Logger) With(fields ...slog.Attr) *Logger {
	if l == nil || len(fields) == 0 {
		return l
	}
	merged := make([]slog.Attr, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{core: l.core, component: l.component, fields: merged}
}

func (l *Logger) Debugf(format string, args ...any) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(msg string, fields ...slog.Attr) {
	if l == nil {
		return
	}
	// Debug lines always reach the file sink; terminal and subscribers only when enabled.
	l.log(slog.LevelDebug, msg, fields, l.core.debugEnabled.Load())
}

func (l *Logger) Info(msg string, fields ...slog.Attr) {
	if l == nil {
		return
	}
	l.log(slog.LevelInfo, msg, fields, true)
}

func (l *Logger) Warn(msg string, fields ...slog.Attr) {
	if l == nil {
		return
	}
	l.log(slog.LevelWarn, msg, fields, true)
}

func (l *Logger) Error(msg string, fields ...slog.Attr) {
	if l == nil {
		return
	}
	l.log(slog.LevelError, msg, fields, true)
}

func (l *Logger) SetDebugEnabled(enabled bool) {
	if l == nil {
		return
	}
	l.core.debugEnabled.Store(enabled)
}

func (l *Logger) SetTerminalOutputEnabled(enabled bool) {
	if l == nil {
		return
	}
	l.core.terminalOut.Store(enabled)
}

// SetOutput redirects terminal output. Pretty rendering stays as detected at
// construction time.
func (l *Logger) SetOutput(w io.Writer) {
	if l == nil || w == nil {
		return
	}
	l.core.mu.Lock()
	l.core.out = w
	l.core.mu.Unlock()
}

// EnableFilePersistence starts writing JSONL log files into dir, or into
// DefaultLogDirPath when dir is empty.
func (l *Logger) EnableFilePersistence(dir string, maxBytes int64) error {
	if l == nil {
		return nil
	}
	sink, err := newFileSink(dir, maxBytes)
	if err != nil {
		return err
	}
	l.core.mu.Lock()
	old := l.core.fileSink
	l.core.fileSink = sink
	l.core.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.core.mu.Lock()
	sink := l.core.fileSink
	l.core.fileSink = nil
	l.core.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink.Close()
}

// Subscribe registers fn for every published event, including events logged
// through derived loggers. The returned func removes the subscription.
func (l *Logger) Subscribe(fn func(Event)) func() {
	if l == nil {
		panic("logging.Logger.Subscribe: logger must not be nil")
	}
	if fn == nil {
		panic("logging.Logger.Subscribe: callback must not be nil")
	}
	c := l.core
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

func (l *Logger) log(level slog.Level, msg string, attrs []slog.Attr, publish bool) {
	if len(l.fields) > 0 {
		attrs = append(append(make([]slog.Attr, 0, len(l.fields)+len(attrs)), l.fields...), attrs...)
	}
	event := Event{
		Time:      time.Now(),
		Level:     level,
		Component: l.component,
		Message:   msg,
		Fields:    attrsToMap(attrs),
	}
	c := l.core
	c.mu.RLock()
	sink := c.fileSink
	out := c.out
	c.mu.RUnlock()
	if sink != nil {
		_ = sink.WriteEvent(event)
	}
	if !publish {
		return
	}
	if c.terminalOut.Load() {
		c.emit(out, event)
	}
	c.publish(event)
}

func (c *core) emit(out io.Writer, event Event) {
	if c.pretty {
		_, _ = io.WriteString(out, FormatEventANSI(event))
		return
	}
	_, _ = io.WriteString(out, FormatEventLine(event))
}

func (c *core) publish(event Event) {
	c.mu.RLock()
	if len(c.subscribers) == 0 {
		c.mu.RUnlock()
		return
	}
	ids := make([]int, 0, len(c.subscribers))
	for id := range c.subscribers {
		ids = append(ids, id)
	}
	callbacks := make([]func(Event), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		callbacks = append(callbacks, c.subscribers[id])
	}
	c.mu.RUnlock()

	for _, cb := range callbacks {
		cb(event)
	}
}
