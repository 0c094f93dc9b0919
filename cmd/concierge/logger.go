// ABOUTME: slog setup for the concierge binary
// ABOUTME: JSON output for production; terminal output leads with the component and colours outcomes

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/concierge/internal/config"
	"github.com/2389/concierge/internal/orchestrator"
)

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := cfg.SlogLevel()
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = newConsoleHandler(os.Stdout, level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// consoleHandler renders one line per record for a terminal:
//
//	15:04:05 INF [orchestrator] message processed conversation_id=whatsapp:1 outcome=responded
//
// The component attribute becomes the bracketed prefix, conversation IDs are
// highlighted so one conversation can be followed through interleaved output,
// and message outcomes are coloured by kind.
type consoleHandler struct {
	// mu and out are shared by every handler derived through WithAttrs and
	// WithGroup so lines from different components never interleave.
	mu        *sync.Mutex
	out       io.Writer
	level     slog.Level
	component string
	attrs     []slog.Attr
	groups    []string
}

func newConsoleHandler(out io.Writer, level slog.Level) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, out: out, level: level}
}

var (
	componentColor    = color.New(color.FgCyan)
	conversationColor = color.New(color.FgHiBlue, color.Bold)
	keyColor          = color.New(color.FgHiBlack)

	outcomeColors = map[string]*color.Color{
		string(orchestrator.KindResponded): color.New(color.FgGreen),
		string(orchestrator.KindDuplicate): color.New(color.FgHiBlack),
		string(orchestrator.KindDeferred):  color.New(color.FgYellow),
		string(orchestrator.KindFailed):    color.New(color.FgRed, color.Bold),
	}
)

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(keyColor.Sprint(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	component := h.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && len(h.groups) == 0 {
			component = a.Value.String()
		}
		return true
	})
	if component != "" {
		buf.WriteString(componentColor.Sprint("[" + component + "] "))
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		h.writeAttr(&buf, "", a)
	}

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && prefix == "" {
			return true
		}
		h.writeAttr(&buf, prefix, a)
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *consoleHandler) writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	buf.WriteString(keyColor.Sprint(" " + prefix + a.Key + "="))

	val := a.Value.String()
	switch a.Key {
	case "conversation_id":
		buf.WriteString(conversationColor.Sprint(val))
	case "outcome":
		if c, ok := outcomeColors[val]; ok {
			buf.WriteString(c.Sprint(val))
			return
		}
		buf.WriteString(val)
	case "error", "err":
		buf.WriteString(color.RedString(val))
	default:
		buf.WriteString(val)
	}
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(next.attrs, h.attrs)
	for _, a := range attrs {
		// A component set by logger.With moves into the prefix.
		if a.Key == "component" && len(h.groups) == 0 {
			next.component = a.Value.String()
			continue
		}
		if len(h.groups) > 0 {
			a.Key = strings.Join(h.groups, ".") + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = make([]string, len(h.groups), len(h.groups)+1)
	copy(next.groups, h.groups)
	next.groups = append(next.groups, name)
	return &next
}
