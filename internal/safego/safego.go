// Package safego runs background work (shippers, limiter cleanup, the expiry notifier,
// detached usage shipping) so that a panic in one of those loops is logged instead of
// taking the credential service down.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go starts fn on its own goroutine. A panic inside fn is recovered and logged at
// error level together with the goroutine's stack.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine",
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
