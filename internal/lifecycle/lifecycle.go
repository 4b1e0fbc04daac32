// Package lifecycle carries the process-wide draining signal. Health reports
// shutting-down once it is set, and long-lived event streams end.
package lifecycle

import "sync"

var (
	mu           sync.Mutex
	shuttingDown bool
	draining     = make(chan struct{})
)

// BeginShutdown marks the process as draining and releases everything waiting on Done.
// Call when SIGTERM/SIGINT is received. Later calls are no-ops.
func BeginShutdown() {
	mu.Lock()
	defer mu.Unlock()
	if shuttingDown {
		return
	}
	shuttingDown = true
	close(draining)
}

// IsShuttingDown returns true once BeginShutdown has been called.
func IsShuttingDown() bool {
	mu.Lock()
	defer mu.Unlock()
	return shuttingDown
}

// Done is closed by BeginShutdown.
func Done() <-chan struct{} {
	mu.Lock()
	defer mu.Unlock()
	return draining
}

// Reset clears the draining state. For tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	shuttingDown = false
	draining = make(chan struct{})
}
