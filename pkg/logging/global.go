package logging

import "sync/atomic"

// The process-wide logger used by components built without one. It starts
// as a text logger on stderr.
var global atomic.Pointer[Logger]

func init() {
	SetGlobalLogger(New(nil, FormatText))
}

// SetGlobalLogger replaces the process-wide logger. Nil discards output.
func SetGlobalLogger(logger Logger) {
	if logger == nil {
		logger = NewNop()
	}
	global.Store(&logger)
}

// GetGlobalLogger returns the process-wide logger
func GetGlobalLogger() Logger {
	return *global.Load()
}

// ForComponent tags l with a component field, falling back to the global
// logger when l is nil. Loggers are resolved at construction, so replacing
// the global logger later does not affect existing components.
func ForComponent(l Logger, component string) Logger {
	if l == nil {
		l = GetGlobalLogger()
	}
	return l.WithFields(String("component", component))
}
