// Package xlog defines the logging contract used across the wrapper.
//
// Concrete logging backends are an external collaborator: this package
// only carries the interface plus two trivial implementations, mirroring
// how the teacher driver keeps logging pluggable via a small interface
// rather than hard-wiring a specific logging library.
package xlog

import "log"

// Logger is the minimal logging surface every wrapper subsystem depends
// on. A nil Logger is never passed around; callers default to NopLogger.
type Logger interface {
	Print(v ...any)
	Printf(format string, v ...any)
	Println(v ...any)
}

// NopLogger discards everything. It is the default logger for every
// constructor in this module so that wiring a logger is opt-in.
type NopLogger struct{}

func (NopLogger) Print(_ ...any)            {}
func (NopLogger) Printf(_ string, _ ...any) {}
func (NopLogger) Println(_ ...any)          {}

// StdLogger adapts the standard library's log.Logger to Logger.
type StdLogger struct {
	L *log.Logger
}

func (s StdLogger) Print(v ...any)                 { s.L.Print(v...) }
func (s StdLogger) Printf(format string, v ...any) { s.L.Printf(format, v...) }
func (s StdLogger) Println(v ...any)               { s.L.Println(v...) }

// Default returns a StdLogger wrapping log.Default().
func Default() Logger {
	return StdLogger{L: log.Default()}
}
