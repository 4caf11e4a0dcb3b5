// Package debug provides verbosity-gated diagnostics for ppremake.  Output
// goes to stderr by default; tests may redirect it.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	mu        sync.Mutex
	verbosity int
	output    io.Writer = os.Stderr
)

// SetVerbosity sets the diagnostic level: 0 quiet, 1 verbose (-v), 2 very
// verbose (-vv).
func SetVerbosity(level int) {
	mu.Lock()
	defer mu.Unlock()
	verbosity = level
}

// Verbosity returns the current diagnostic level.
func Verbosity() int {
	mu.Lock()
	defer mu.Unlock()
	return verbosity
}

// SetOutput redirects diagnostic output.  Pass nil to restore stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

// Logf writes a diagnostic line when verbosity is at least 1.
func Logf(format string, args ...interface{}) {
	logAt(1, format, args...)
}

// Tracef writes a diagnostic line when verbosity is at least 2.
func Tracef(format string, args ...interface{}) {
	logAt(2, format, args...)
}

func logAt(level int, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if verbosity >= level {
		fmt.Fprintf(output, format+"\n", args...)
	}
}
