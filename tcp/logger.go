package tcp

import (
	"context"
	"log/slog"

	"github.com/gosheep/tcpcore/internal"
)

// logger is embedded by Conn, Listener and Handler to give each a
// SetLogger/debug/trace/logerr surface without repeating the plumbing.
// ControlBlock embeds it too but shadows debug/trace/logerr with its own
// versions (see debug.go); of those, only traceSnd/traceRcv add TCB state.
type logger struct {
	log *slog.Logger
}

// SetLogger attaches a structured logger. Passing nil disables logging.
func (l *logger) SetLogger(log *slog.Logger) { l.log = log }

func (l *logger) logenabled(lvl slog.Level) bool {
	return internal.HeapAllocDebugging || (l.log != nil && l.log.Handler().Enabled(context.Background(), lvl))
}

func (l *logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

func (l *logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}

func (l *logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}

func (l *logger) logerr(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}
