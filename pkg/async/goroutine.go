package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/hearth/pkg/observability"
)

// SafeGo runs fn in a goroutine with panic recovery and error logging. The
// returned channel is closed once fn has returned or panicked.
//
// A positive timeout bounds fn's context; zero leaves it bound only by parentCtx.
//
// Example:
//
//	done := SafeGo(ctx, logger, "session events", 0, func(ctx context.Context) error {
//		return c.loop(ctx)
//	})
//	<-done
func SafeGo(parentCtx context.Context, logger *observability.Logger, taskName string, timeout time.Duration, fn func(context.Context) error) <-chan struct{} {
	if logger == nil {
		logger = observability.NopLogger()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)

		ctx, cancel := parentCtx, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
		}
		defer cancel()

		if err := Run(ctx, taskName, fn); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("background task failed")
		}
	}()
	return done
}

// Run calls fn and converts a panic into an error carrying the stack trace
func Run(ctx context.Context, taskName string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", taskName, r, debug.Stack())
		}
	}()
	return fn(ctx)
}
