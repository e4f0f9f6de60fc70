// Package async holds the panic guard for long-running loops.
package async

import "runtime/debug"

// PanicLogger receives panic reports from guarded goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Recover is deferred at the top of a dispatch cycle so a panic fails
// one cycle instead of the whole process. name identifies the loop in
// the log line.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		return
	}
	logger.Error("panic in %s: %v\n%s", name, r, debug.Stack())
}
