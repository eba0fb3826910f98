package log

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// NewWithFormatter creates a Logger that renders entries through f, one line
// per entry, written to w. It bridges the LogFormatter suite to the slog
// backend the Logger wraps, so a process can keep JSON on stderr for
// collection while a console gets TextFormatter or ColorFormatter output.
func NewWithFormatter(w io.Writer, f LogFormatter, level slog.Level) *Logger {
	return &Logger{inner: slog.New(&formatterHandler{
		w:     w,
		f:     f,
		level: level,
		mu:    &sync.Mutex{},
	})}
}

// formatterHandler adapts a LogFormatter to the slog.Handler interface. The
// mutex is shared across WithAttrs clones so concurrent loggers derived from
// the same handler never interleave partial lines.
type formatterHandler struct {
	w     io.Writer
	f     LogFormatter
	level slog.Level
	mu    *sync.Mutex
	attrs []slog.Attr
}

func (h *formatterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *formatterHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]interface{}, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})
	line := h.f.Format(LogEntry{
		Timestamp: r.Time,
		Level:     levelFromSlog(r.Level),
		Message:   r.Message,
		Fields:    fields,
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line+"\n")
	return err
}

func (h *formatterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &nh
}

// WithGroup flattens groups: the LogEntry field map has no nesting, and the
// Logger API never opens groups.
func (h *formatterHandler) WithGroup(name string) slog.Handler { return h }

// SlogLevel maps a formatter level onto the nearest slog level, so
// LevelFromString-parsed configuration can drive a slog-backed Logger.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR, FATAL:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// levelFromSlog maps slog's numeric levels onto the formatter levels. FATAL
// has no slog equivalent and is only produced by direct LogEntry use.
func levelFromSlog(l slog.Level) LogLevel {
	switch {
	case l < slog.LevelInfo:
		return DEBUG
	case l < slog.LevelWarn:
		return INFO
	case l < slog.LevelError:
		return WARN
	default:
		return ERROR
	}
}
