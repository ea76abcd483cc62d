// Package log provides the small structured-logging sink every engine
// component takes as an injected dependency. There is no package-level
// logger and no global state: each Logger value names the component
// that owns it, matching the convention the rest of this codebase uses
// for its components (msgstore, changelog, rollup, session, mailbox).
package log

import (
	"go.uber.org/zap"
)

// Logger is a named logging sink. The zero value is usable and discards
// Debugf output; callers that want structured output should set Sink.
type Logger struct {
	// Name identifies the owning component, e.g. "rollup", "changelog".
	Name string
	// Debug enables Debugf output. Off by default to keep steady-state
	// replay/poll quiet.
	Debug bool
	// Sink is the underlying zap logger. A nil Sink means use
	// zap.NewNop() lazily — safe for tests that don't care about log
	// output.
	Sink *zap.Logger
}

func (l Logger) sink() *zap.Logger {
	if l.Sink == nil {
		return zap.NewNop()
	}
	return l.Sink
}

// Printf logs an informational line.
func (l Logger) Printf(format string, args ...interface{}) {
	l.sink().Sugar().Infof(l.Name+": "+format, args...)
}

// Debugf logs a debug line, a no-op unless Debug is set.
func (l Logger) Debugf(format string, args ...interface{}) {
	if !l.Debug {
		return
	}
	l.sink().Sugar().Debugf(l.Name+": "+format, args...)
}

// Error logs msg with err attached, for failures that are handled
// locally (background GC, lost races) and must never reach the client.
func (l Logger) Error(msg string, err error) {
	l.sink().Sugar().Errorw(l.Name+": "+msg, "error", err)
}

// New builds a Logger backed by a production zap logger with the given
// component name.
func New(name string) Logger {
	sink, err := zap.NewProduction()
	if err != nil {
		sink = zap.NewNop()
	}
	return Logger{Name: name, Sink: sink}
}

// Nop returns a Logger that discards everything, for tests.
func Nop(name string) Logger {
	return Logger{Name: name, Sink: zap.NewNop()}
}
