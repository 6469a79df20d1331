package observability

import (
	"net/http"
	"runtime/debug"

	"github.com/platinummonkey/hearth/pkg/contextkeys"
)

// RecoverPanic recovers a panic in the calling goroutine and logs it with the
// stack. Call it deferred at the top of long-lived goroutines (the session event
// loop, scheduled sweeps). The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]any{
			"panic": r,
			"stack": string(debug.Stack()),
			"where": where,
		}).Error("panic recovered")
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithFields(map[string]any{
						"request_id": contextkeys.GetRequestID(r.Context()),
						"panic":      rec,
						"stack":      string(debug.Stack()),
						"path":       r.URL.Path,
					}).Error("handler panic")
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
