package model

import "fmt"

// Logger is the logging interface used throughout the tunnel core. It is
// intentionally shaped like [github.com/apex/log.Interface] so that a
// caller can pass an *apex/log.Logger (or a sub-logger obtained through
// WithField) directly, without an adapter.
type Logger interface {
	// Debug emits a debug message.
	Debug(msg string)

	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Info emits an informational message.
	Info(msg string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Warn emits a warning message.
	Warn(msg string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Error emits an error message.
	Error(msg string)

	// Errorf formats and emits an error message.
	Errorf(format string, v ...any)
}

// discardLogger is a [Logger] that drops everything. It backs [NewNoopLogger]
// and is what the controller substitutes for every capability interface
// once the session detaches, per the no-op-after-teardown convention.
type discardLogger struct{}

func (discardLogger) Debug(string)          {}
func (discardLogger) Debugf(string, ...any)  {}
func (discardLogger) Info(string)           {}
func (discardLogger) Infof(string, ...any)  {}
func (discardLogger) Warn(string)           {}
func (discardLogger) Warnf(string, ...any)  {}
func (discardLogger) Error(string)          {}
func (discardLogger) Errorf(string, ...any) {}

// NewNoopLogger returns a [Logger] that discards every message.
func NewNoopLogger() Logger {
	return discardLogger{}
}

// testLogger is a minimal [Logger] used by unit tests; it forwards to the
// standard library logger so `go test -v` shows the output.
type testLogger struct {
	prefix string
}

// NewTestLogger returns a [Logger] suitable for use in tests.
func NewTestLogger() Logger {
	return &testLogger{}
}

func (l *testLogger) Debug(msg string)          { println("[debug] " + l.prefix + msg) }
func (l *testLogger) Debugf(f string, v ...any)  { l.Debug(fmt.Sprintf(f, v...)) }
func (l *testLogger) Info(msg string)           { println("[info] " + l.prefix + msg) }
func (l *testLogger) Infof(f string, v ...any)  { l.Info(fmt.Sprintf(f, v...)) }
func (l *testLogger) Warn(msg string)           { println("[warn] " + l.prefix + msg) }
func (l *testLogger) Warnf(f string, v ...any)  { l.Warn(fmt.Sprintf(f, v...)) }
func (l *testLogger) Error(msg string)          { println("[error] " + l.prefix + msg) }
func (l *testLogger) Errorf(f string, v ...any) { l.Error(fmt.Sprintf(f, v...)) }
