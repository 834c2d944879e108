package utils

import (
	"log"
	"os"
	"sync/atomic"
)

var (
	logger = log.New(os.Stderr, "", log.LstdFlags)
	debug  atomic.Bool
)

// SetDebug turns Debugf output on or off.
func SetDebug(on bool) { debug.Store(on) }

// DebugEnabled reports whether Debugf prints.
func DebugEnabled() bool { return debug.Load() }

// Logf prints a progress line.
func Logf(format string, args ...any) { logger.Printf(format, args...) }

// Debugf prints only when debug output is enabled.
func Debugf(format string, args ...any) {
	if debug.Load() {
		logger.Printf("[debug] "+format, args...)
	}
}
