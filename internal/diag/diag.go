// Package diag centralizes ChronoGo's verbosity-gated diagnostic
// output: a single place that knows about -v levels and whether
// stdout is a real terminal.
package diag

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mattn/go-isatty"
)

var level int32

// SetLevel sets the global verbosity level. 0 disables all diagnostic
// output; higher levels print progressively more per-region detail.
func SetLevel(v int) {
	atomic.StoreInt32(&level, int32(v))
}

// Level returns the current verbosity level.
func Level() int {
	return int(atomic.LoadInt32(&level))
}

var colorEnabled = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

const (
	colorDim    = "\x1b[2m"
	colorYellow = "\x1b[33m"
	colorReset  = "\x1b[0m"
)

// Printf prints a message if the current verbosity level is at least min.
func Printf(min int, format string, args ...any) {
	if Level() < min {
		return
	}
	fmt.Fprintf(os.Stdout, format, args...)
}

// Tag formats s in dim color when stdout is a terminal, otherwise
// returns it unchanged. Used to label region kinds in verbose traces.
func Tag(s string) string {
	if !colorEnabled {
		return s
	}
	return colorDim + s + colorReset
}

// Warnf always prints to stderr, regardless of verbosity.
func Warnf(format string, args ...any) {
	prefix := "warning: "
	if colorEnabled {
		prefix = colorYellow + "warning: " + colorReset
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}
