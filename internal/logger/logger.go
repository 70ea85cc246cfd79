// Package logger provides the slog handler used by every chatgate binary:
// level-colored, single-line console output.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var levelColors = map[slog.Level]*color.Color{
	slog.LevelDebug: color.New(color.FgCyan),
	slog.LevelInfo:  color.New(color.FgGreen),
	slog.LevelWarn:  color.New(color.FgYellow),
	slog.LevelError: color.New(color.FgRed, color.Bold),
}

// ConsoleHandler writes "15:04:05 LEVEL message key=value" lines with the
// level colored when the writer is a terminal.
type ConsoleHandler struct {
	mu     sync.Mutex
	writer io.Writer
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

func NewConsoleHandler(w io.Writer, level slog.Level) *ConsoleHandler {
	return &ConsoleHandler{writer: w, level: level}
}

// Setup installs a console handler on the default slog logger and returns it.
func Setup(level slog.Level) *slog.Logger {
	log := slog.New(NewConsoleHandler(os.Stderr, level))
	slog.SetDefault(log)
	return log
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *ConsoleHandler) Handle(_ context.Context, record slog.Record) error {
	var sb strings.Builder
	sb.WriteString(record.Time.Format(time.TimeOnly))
	sb.WriteByte(' ')
	if c, ok := levelColors[record.Level]; ok {
		sb.WriteString(c.Sprintf("%-5s", record.Level.String()))
	} else {
		sb.WriteString(fmt.Sprintf("%-5s", record.Level.String()))
	}
	sb.WriteByte(' ')
	sb.WriteString(record.Message)

	appendAttr := func(attr slog.Attr) {
		key := attr.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		sb.WriteByte(' ')
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(attr.Value.String())
	}
	for _, attr := range h.attrs {
		appendAttr(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(attr)
		return true
	})
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, sb.String())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &ConsoleHandler{
		writer: h.writer,
		level:  h.level,
		group:  h.group,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
	return clone
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	clone := &ConsoleHandler{
		writer: h.writer,
		level:  h.level,
		attrs:  h.attrs,
		group:  name,
	}
	return clone
}
