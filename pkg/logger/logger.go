// Package logger configures the runtime's log output. Runtime packages
// log through slog carrying identity attributes (run_id, agent, task_id,
// task, tool); the handler here lifts those into a bracketed prefix so
// the interleaved output of a multi-task run reads grouped by actor:
//
//	INFO [agent=Writer task_id=2 tool=search] Executing tool
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// identityKeys are promoted into the bracketed prefix, in this order.
var identityKeys = []string{"run_id", "agent", "task_id", "task", "tool"}

// level backs every handler built here, so the configured level can
// change after installation (config files load late).
var level = new(slog.LevelVar)

// ParseLevel maps a configuration string to a slog level. Unknown or
// empty values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// SetLevel adjusts the level of every handler built by this package.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level reports the currently configured level.
func Level() slog.Level {
	return level.Level()
}

// Init installs the run handler as the process-wide slog default. Format
// "verbose" adds timestamps; colors are used when out is a terminal.
func Init(out *os.File, format string) {
	slog.SetDefault(slog.New(&runHandler{
		out:     out,
		color:   isTerminal(out),
		verbose: format == "verbose",
	}))
}

// NewHandler builds the run handler against an arbitrary writer, without
// colors. Init wraps the same handler for process-wide installation.
func NewHandler(out io.Writer, verbose bool) slog.Handler {
	return &runHandler{out: out, verbose: verbose}
}

// runHandler renders "LEVEL [identity...] message k=v ...". Identity
// attributes are deduplicated and ordered per identityKeys; everything
// else keeps its input order after the message.
type runHandler struct {
	out     io.Writer
	color   bool
	verbose bool
	attrs   []slog.Attr
	group   string
}

func (h *runHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= level.Level()
}

func (h *runHandler) Handle(_ context.Context, record slog.Record) error {
	attrs := make([]slog.Attr, 0, len(h.attrs)+record.NumAttrs())
	attrs = append(attrs, h.attrs...)
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.qualify(a))
		return true
	})
	identity, rest := splitIdentity(attrs)

	var b strings.Builder
	if h.verbose && !record.Time.IsZero() {
		b.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}
	b.WriteString(h.levelTag(record.Level))
	if len(identity) > 0 {
		b.WriteString(" [")
		for i, a := range identity {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(a.Key)
			b.WriteString("=")
			b.WriteString(attrValue(a))
		}
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(record.Message)
	for _, a := range rest {
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(attrValue(a))
	}
	b.WriteString("\n")

	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *runHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, h.qualify(a))
	}
	return &clone
}

func (h *runHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

// qualify prefixes grouped attribute keys; identity keys stay bare so the
// prefix extraction still finds them.
func (h *runHandler) qualify(a slog.Attr) slog.Attr {
	if h.group == "" || isIdentity(a.Key) {
		return a
	}
	a.Key = h.group + "." + a.Key
	return a
}

// splitIdentity pulls the run-identity attributes out of the list,
// keeping identityKeys order for the prefix and input order for the rest.
func splitIdentity(attrs []slog.Attr) (identity, rest []slog.Attr) {
	byKey := make(map[string]slog.Attr, len(identityKeys))
	for _, a := range attrs {
		if isIdentity(a.Key) {
			if _, dup := byKey[a.Key]; !dup {
				byKey[a.Key] = a
			}
			continue
		}
		rest = append(rest, a)
	}
	for _, key := range identityKeys {
		if a, ok := byKey[key]; ok {
			identity = append(identity, a)
		}
	}
	return identity, rest
}

func isIdentity(key string) bool {
	for _, k := range identityKeys {
		if k == key {
			return true
		}
	}
	return false
}

// attrValue renders an attribute value. Run ids are UUIDs; only the first
// segment is printed to keep the prefix narrow.
func attrValue(a slog.Attr) string {
	v := a.Value.String()
	if a.Key == "run_id" {
		if i := strings.IndexByte(v, '-'); i > 0 {
			v = v[:i]
		}
	}
	return v
}

func (h *runHandler) levelTag(l slog.Level) string {
	if !h.color {
		return l.String()
	}
	return levelColor(l) + l.String() + "\033[0m"
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[36m" // cyan
	default:
		return "\033[90m" // gray
	}
}

func isTerminal(file *os.File) bool {
	if info, err := file.Stat(); err == nil {
		return info.Mode()&os.ModeCharDevice != 0
	}
	return false
}
