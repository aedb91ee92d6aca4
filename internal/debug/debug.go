// Package debug implements a tiny, zero-cost-when-disabled leveled logger.
//
// Verbosity is controlled by the AMA_DEBUG environment variable, an
// integer from 1 (coarse) to 4 (frame-by-frame). It is read once at
// package init so hot paths (credit accounting, mux frame dispatch) pay
// only a single integer comparison when logging is off.
package debug

import (
	"fmt"
	"log"
	"os"
	"strconv"
)

var level = func() int {
	v, _ := strconv.Atoi(os.Getenv("AMA_DEBUG"))
	return v
}()

var logger = log.New(os.Stderr, "", log.Lmicroseconds)

// Log writes a message when the configured verbosity is >= lvl.
func Log(lvl int, format string, v ...any) {
	if lvl > level {
		return
	}
	logger.Output(2, fmt.Sprintf(format, v...))
}

// Enabled reports whether logging at lvl would produce output, useful for
// callers that want to skip building an expensive argument.
func Enabled(lvl int) bool {
	return lvl <= level
}
