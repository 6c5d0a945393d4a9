package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var forceLipglossColorOnce sync.Once

func ensureLipglossColorOutput() {
	forceLipglossColorOnce.Do(func() {
		lipgloss.SetColorProfile(termenv.TrueColor)
	})
}

func shouldPrettyPrint() bool {
	term := strings.TrimSpace(os.Getenv("TERM"))
	if term == "" || term == "dumb" {
		return false
	}
	return os.Getenv("NO_COLOR") == ""
}

func levelBadge(level slog.Level) (string, lipgloss.Style) {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	switch {
	case level <= slog.LevelDebug:
		return "DEBUG", base.Foreground(lipgloss.Color("255")).Background(lipgloss.Color("240"))
	case level <= slog.LevelInfo:
		return "INFO", base.Foreground(lipgloss.Color("230")).Background(lipgloss.Color("31"))
	case level <= slog.LevelWarn:
		return "WARN", base.Foreground(lipgloss.Color("234")).Background(lipgloss.Color("214"))
	default:
		return "ERROR", base.Foreground(lipgloss.Color("231")).Background(lipgloss.Color("160"))
	}
}

// FormatEventANSI renders one event with lipgloss styling. The console UI
// reuses it for its log pane.
func FormatEventANSI(event Event) string {
	ensureLipglossColorOutput()
	ts := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render(event.Time.Format("15:04:05.000"))
	levelLabel, levelStyle := levelBadge(event.Level)
	msg := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")).Render(event.Message)

	parts := []string{ts, " ", levelStyle.Render(levelLabel), " "}
	if event.Component != "" {
		parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color("141")).Render(event.Component), " ")
	}
	parts = append(parts, msg)
	line := lipgloss.JoinHorizontal(lipgloss.Center, parts...)
	if len(event.Fields) == 0 {
		return line + "\n"
	}

	keys := orderedFieldKeys(event.Level, event.Fields)

	keyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("117"))
	valStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	sepStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	fields := make([]string, 0, len(keys))
	blocks := make([]string, 0, len(keys))
	for _, key := range keys {
		if pretty, ok := prettyJSONString(event.Fields[key]); ok {
			block := renderJSONFieldBlock(key, pretty)
			blocks = append(blocks, block)
			continue
		}
		fields = append(fields, keyStyle.Render(key)+sepStyle.Render("=")+valStyle.Render(formatFieldValue(event.Fields[key])))
	}
	if len(fields) > 0 {
		line += "  " + strings.Join(fields, " ")
	}
	if len(blocks) > 0 {
		for _, block := range blocks {
			line += "\n  " + block
		}
	}
	return line + "\n"
}

func renderJSONFieldBlock(key string, pretty string) string {
	keyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("117"))
	sepStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	header := keyStyle.Render(key) + sepStyle.Render("=")
	body := colorizePrettyJSON(pretty)
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("245")).
		Padding(0, 1).
		Render(body)
	return header + "\n" + box
}

func colorizePrettyJSON(pretty string) string {
	punct := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	field := lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	lines := strings.Split(pretty, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, colorizeJSONLine(line, punct, field))
	}
	return strings.Join(out, "\n")
}

func colorizeJSONLine(line string, punct lipgloss.Style, field lipgloss.Style) string {
	var b strings.Builder
	inString := false
	escaped := false
	for _, r := range line {
		switch {
		case r == '"':
			b.WriteString(punct.Render(string(r)))
			if !escaped {
				inString = !inString
			}
			escaped = false
		case inString && r == '\\':
			b.WriteString(field.Render(string(r)))
			escaped = !escaped
		case !inString && (r == '{' || r == '}' || r == '[' || r == ']' || r == ':' || r == ','):
			b.WriteString(punct.Render(string(r)))
			escaped = false
		default:
			if r == ' ' || r == '\t' {
				b.WriteRune(r)
			} else {
				b.WriteString(field.Render(string(r)))
			}
			escaped = false
		}
	}
	return b.String()
}
