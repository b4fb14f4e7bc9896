// ABOUTME: slog setup for coven-threads with a colorized terminal handler
// ABOUTME: Logs rotate through lumberjack when logging.file is configured

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/2389/coven-threads/internal/config"
)

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger builds the process logger. The returned func closes the log
// file, if any.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		var handler slog.Handler
		if cfg.Format == "json" {
			handler = slog.NewJSONHandler(rotator, opts)
		} else {
			handler = slog.NewTextHandler(rotator, opts)
		}
		return slog.New(handler), func() { _ = rotator.Close() }
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = newColorHandler(os.Stderr, opts.Level.Level())
	}
	return slog.New(handler), func() {}
}

// levelTags are the fixed-width level markers of the terminal handler.
var levelTags = map[slog.Level]struct {
	tag string
	c   *color.Color
}{
	slog.LevelDebug: {"DBG", color.New(color.FgMagenta)},
	slog.LevelInfo:  {"INF", color.New(color.FgGreen)},
	slog.LevelWarn:  {"WRN", color.New(color.FgYellow)},
	slog.LevelError: {"ERR", color.New(color.FgRed, color.Bold)},
}

func levelTag(l slog.Level) string {
	t, ok := levelTags[l]
	if !ok {
		return "??? "
	}
	return t.c.Sprint(t.tag) + " "
}

// colorHandler writes one line per record for a terminal:
//
//	15:04:05 INF [conversation] agent reply failed thread=1f0c2b9e agent=service-validation error="..."
//
// The component attribute becomes the bracketed tag. Thread and agent ids
// are highlighted, with thread ids cut to the prefix the chat REPL accepts.
type colorHandler struct {
	mu        *sync.Mutex
	out       io.Writer
	level     slog.Level
	component string
	attrs     []slog.Attr // keys already carry the group prefix
	prefix    string
}

func newColorHandler(out io.Writer, level slog.Level) *colorHandler {
	return &colorHandler{mu: &sync.Mutex{}, out: out, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	component := h.component
	attrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+r.NumAttrs())
	copy(attrs, h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix == "" && a.Key == "component" {
			component = a.Value.String()
			return true
		}
		a.Key = h.prefix + a.Key
		attrs = append(attrs, a)
		return true
	})

	var b strings.Builder
	b.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))
	b.WriteString(levelTag(r.Level))
	if component != "" {
		b.WriteString(color.BlueString("[%s] ", component))
	}
	b.WriteString(r.Message)
	for _, a := range attrs {
		writeAttr(&b, a)
	}
	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	val := a.Value.String()
	switch a.Key {
	case "thread_id":
		b.WriteString(" " + color.CyanString("thread=%s", shortID(val)))
	case "agent_id":
		b.WriteString(" " + color.MagentaString("agent=%s", val))
	case "error":
		b.WriteString(" " + color.RedString("error=%q", val))
	default:
		b.WriteString(color.HiBlackString(" %s=", a.Key))
		b.WriteString(val)
	}
}

// shortID cuts a uuid to its first eight characters.
func shortID(id string) string {
	if len(id) == 36 && strings.Count(id, "-") == 4 {
		return id[:8]
	}
	return id
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(next.attrs, h.attrs)
	for _, a := range attrs {
		if h.prefix == "" && a.Key == "component" {
			next.component = a.Value.String()
			continue
		}
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}
