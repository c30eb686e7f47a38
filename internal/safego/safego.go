// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import "log/slog"

// Go launches fn in a new goroutine under the given task name. If fn panics,
// the panic is recovered and logged with the name rather than crashing the
// process. This should be used for all fire-and-forget goroutines (the HTTP
// listeners, the retention sweeper, async audit flushes) where an unrecovered
// panic would silently kill the goroutine forever — and where the log line
// needs to say which one died.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background task", "task", name, "panic", r)
			}
		}()
		fn()
	}()
}
