package taskmanager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmit_RunsDetachedFromCaller(t *testing.T) {
	tm := New(Config{MaxTasks: 2}, zap.NewNop())

	var ran atomic.Bool
	require.NoError(t, tm.Submit("job", func(ctx context.Context) error {
		ran.Store(ctx.Err() == nil)
		return nil
	}))

	require.NoError(t, tm.Shutdown(context.Background()))
	assert.True(t, ran.Load())
	assert.Zero(t, tm.Active())
}

func TestSubmit_Limit(t *testing.T) {
	tm := New(Config{MaxTasks: 1}, zap.NewNop())
	release := make(chan struct{})

	require.NoError(t, tm.Submit("blocking", func(ctx context.Context) error {
		<-release
		return nil
	}))
	assert.ErrorIs(t, tm.Submit("second", func(ctx context.Context) error { return nil }), ErrTooManyTasks)

	close(release)
	require.NoError(t, tm.Shutdown(context.Background()))
	assert.ErrorIs(t, tm.Submit("late", func(ctx context.Context) error { return nil }), ErrClosed)
}

func TestTaskTimeout(t *testing.T) {
	tm := New(Config{MaxTasks: 1, TaskTimeout: 20 * time.Millisecond}, zap.NewNop())

	errCh := make(chan error, 1)
	require.NoError(t, tm.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}))

	require.NoError(t, tm.Shutdown(context.Background()))
	assert.ErrorIs(t, <-errCh, context.DeadlineExceeded)
}

func TestShutdown_DeadlineCancelsTasks(t *testing.T) {
	tm := New(Config{MaxTasks: 1}, zap.NewNop())

	var cancelled atomic.Bool
	require.NoError(t, tm.Submit("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		cancelled.Store(errors.Is(ctx.Err(), context.Canceled))
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, tm.Shutdown(ctx))
	assert.True(t, cancelled.Load())
}
