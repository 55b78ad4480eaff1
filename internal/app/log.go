package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// logSink is one destination of the sync log and the lowest level it takes.
type logSink struct {
	w   io.Writer
	min slog.Level
}

// syncHandler writes one tab-separated line per record:
//
//	<timestamp>\t<level>\t<runID>\t<kind>\t<message>\t<key=value ...>
//
// The "kind" attribute the synchronizers attach gets its own column ("-"
// when absent) so a run's log can be cut per entity kind.
type syncHandler struct {
	mu    *sync.Mutex
	sinks []logSink
	runID string
	attrs []slog.Attr
}

func newSyncHandler(runID string, sinks ...logSink) *syncHandler {
	return &syncHandler{mu: &sync.Mutex{}, sinks: sinks, runID: runID}
}

func (h *syncHandler) Enabled(_ context.Context, level slog.Level) bool {
	for _, s := range h.sinks {
		if level >= s.min {
			return true
		}
	}
	return false
}

func (h *syncHandler) Handle(_ context.Context, r slog.Record) error {
	kind := "-"
	var b strings.Builder
	add := func(a slog.Attr) {
		if a.Key == "kind" {
			kind = a.Value.String()
			return
		}
		fmt.Fprintf(&b, "\t%s=%s", a.Key, logValue(a.Value))
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})

	line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s%s\n",
		r.Time.UTC().Format("2006-01-02T15:04:05Z"), r.Level, h.runID, kind, logValue(slog.StringValue(r.Message)), b.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sinks {
		if r.Level < s.min {
			continue
		}
		if _, err := io.WriteString(s.w, line); err != nil {
			return err
		}
	}
	return nil
}

func (h *syncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &syncHandler{
		mu:    h.mu,
		sinks: h.sinks,
		runID: h.runID,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *syncHandler) WithGroup(string) slog.Handler { return h }

// logValue renders a value on a single line. Joined errors span several
// lines, so anything with control characters or tabs is quoted.
func logValue(v slog.Value) string {
	s := v.String()
	if strings.IndexFunc(s, func(r rune) bool { return r == '\t' || unicode.IsControl(r) }) >= 0 {
		return strconv.Quote(s)
	}
	return s
}

// logFileName keys the log file by command, e.g. "serve.log" or
// "fetchall.log", so a long-running server does not share a file with
// one-off CLI runs.
func logFileName(operation string) string {
	name := strings.ToLower(strings.TrimSpace(operation))
	name = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			return r
		}
		return '-'
	}, name)
	if name == "" {
		name = "propsync"
	}
	return name + ".log"
}

// newLogger creates the run's logger. Every record goes to
// logDir/<operation>.log; warnings and errors are also echoed to stderr so
// CLI output on stdout stays clean.
func newLogger(logDir, operation, runID string, stderr io.Writer) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, logFileName(operation))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	h := newSyncHandler(runID,
		logSink{w: f, min: slog.LevelDebug},
		logSink{w: stderr, min: slog.LevelWarn},
	)
	return slog.New(h), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the propsync.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
