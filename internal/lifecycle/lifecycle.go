// Package lifecycle holds the process-wide draining flag. The signal handler
// raises it before srv.Shutdown so the health endpoint can steer load
// balancers away while existing requests finish.
package lifecycle

import "sync/atomic"

var draining atomic.Bool

// BeginShutdown marks the process as draining. Not reversible in production;
// tests use Reset between cases.
func BeginShutdown() {
	draining.Store(true)
}

// Reset clears the draining flag.
func Reset() {
	draining.Store(false)
}

// Draining reports whether the process has started shutting down and should
// not be sent new traffic.
func Draining() bool {
	return draining.Load()
}
