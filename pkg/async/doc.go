// Package async runs background work with panic recovery.
//
// SafeGo is used instead of a bare go statement for long-lived loops such as
// the session event loop. Panics are converted to errors and logged, and the
// returned channel lets the owner wait for the goroutine on shutdown.
package async
