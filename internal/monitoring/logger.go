// Package monitoring holds the diagnostic logger and tune metrics shared by
// the interpolation, assembly and minimization packages.
package monitoring

import "log"

// LogFunc is the printf-style signature every component accepts for
// diagnostics. A nil LogFunc means "use the package logger".
type LogFunc func(format string, v ...interface{})

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf LogFunc = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f LogFunc) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Or returns f when it is non-nil and the package logger otherwise. The
// package logger is looked up at call time so SetLogger still applies to
// components constructed earlier.
func Or(f LogFunc) LogFunc {
	if f != nil {
		return f
	}
	return func(format string, v ...interface{}) { Logf(format, v...) }
}
