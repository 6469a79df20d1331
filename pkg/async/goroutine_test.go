package async

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hearth/pkg/observability"
)

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestSafeGo_Success(t *testing.T) {
	var executed atomic.Bool
	done := SafeGo(context.Background(), nil, "test task", time.Second, func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})
	wait(t, done)
	assert.True(t, executed.Load())
}

func TestSafeGo_LogsError(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.DebugLevel, &buf)

	done := SafeGo(context.Background(), logger, "failing task", time.Second, func(ctx context.Context) error {
		return errors.New("boom")
	})
	wait(t, done)
	assert.Contains(t, buf.String(), "boom")
	assert.Contains(t, buf.String(), "failing task")
}

func TestSafeGo_Timeout(t *testing.T) {
	var sawDeadline atomic.Bool
	done := SafeGo(context.Background(), nil, "slow task", 50*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		}
		return ctx.Err()
	})
	wait(t, done)
	assert.True(t, sawDeadline.Load())
}

func TestSafeGo_NoTimeoutFollowsParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := SafeGo(ctx, nil, "loop", 0, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	cancel()
	wait(t, done)
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.DebugLevel, &buf)

	done := SafeGo(context.Background(), logger, "panicky", 0, func(ctx context.Context) error {
		panic("bad state")
	})
	wait(t, done)
	assert.Contains(t, buf.String(), "panic in panicky: bad state")
}

func TestRun_ReturnsPanicAsError(t *testing.T) {
	err := Run(context.Background(), "task", func(ctx context.Context) error {
		var m map[string]int
		m["x"] = 1
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in task")
}
