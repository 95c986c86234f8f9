package monitoring

import "log"

// Logger is the diagnostic logging handle passed to every component. It
// wraps a printf-style function so tests can capture or mute output. A nil
// *Logger is valid and discards everything.
type Logger struct {
	logf   func(format string, v ...interface{})
	prefix string
}

// NewLogger wraps f. Passing nil returns a no-op logger.
func NewLogger(f func(format string, v ...interface{})) *Logger {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	return &Logger{logf: f}
}

// StdLogger logs through the standard library logger.
func StdLogger() *Logger {
	return NewLogger(log.Printf)
}

// With returns a logger that prefixes every line with "[name] ".
func (l *Logger) With(name string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{logf: l.logf, prefix: l.prefix + "[" + name + "] "}
}

// Printf logs an ordinary diagnostic line.
func (l *Logger) Printf(format string, v ...interface{}) {
	if l == nil || l.logf == nil {
		return
	}
	l.logf(l.prefix+format, v...)
}

// Criticalf logs a line that needs operator attention. These are kept
// visually distinct from ordinary failures.
func (l *Logger) Criticalf(format string, v ...interface{}) {
	if l == nil || l.logf == nil {
		return
	}
	l.logf("CRITICAL: "+l.prefix+format, v...)
}
