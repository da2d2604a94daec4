package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("connection reset")

func TestController_SucceedsFirstTry(t *testing.T) {
	var calls int32
	c := NewController(func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, int32(1), calls)
}

func TestController_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	c := NewController(func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errFlaky
		}
		return nil
	}, WithBase(time.Millisecond))

	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, StateIdle, c.State())
	assert.NoError(t, c.LastErr())
}

func TestController_TerminalAfterMaxAttempts(t *testing.T) {
	var calls int32
	c := NewController(func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errFlaky
	}, WithBase(time.Millisecond), WithMaxAttempts(5))

	err := c.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, int32(5), calls)
	assert.Equal(t, StateFailed, c.State())
	assert.ErrorIs(t, c.LastErr(), errFlaky)
}

func TestController_NonTransientFailsImmediately(t *testing.T) {
	var calls int32
	c := NewController(func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errFlaky
	}, WithBase(time.Millisecond), WithClassifier(func(error) bool { return false }))

	require.Error(t, c.Load(context.Background()))
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, StateFailed, c.State())
}

func TestController_ManualRetryExitsFailed(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	c := NewController(func(context.Context) error {
		if fail.Load() {
			return errFlaky
		}
		return nil
	}, WithBase(time.Millisecond), WithMaxAttempts(2))

	require.Error(t, c.Load(context.Background()))
	require.Equal(t, StateFailed, c.State())

	fail.Store(false)
	require.NoError(t, c.Retry(context.Background()))
	assert.Equal(t, StateIdle, c.State())
}

func TestController_LoadWhileFetching(t *testing.T) {
	release := make(chan struct{})
	c := NewController(func(ctx context.Context) error {
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.State() == StateFetching
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.Load(context.Background()), ErrFetchInFlight)
	close(release)
	require.NoError(t, <-done)
}

func TestController_RefreshFires(t *testing.T) {
	var calls int32
	c := NewController(func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, c.StartRefresh(context.Background(), 20*time.Millisecond, ""))
	defer c.StopRefresh()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestController_StopRefreshCancelsTimer(t *testing.T) {
	var calls int32
	c := NewController(func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, c.StartRefresh(context.Background(), 20*time.Millisecond, ""))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	c.StopRefresh()
	after := atomic.LoadInt32(&calls)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&calls))

	// Restartable after stop.
	require.NoError(t, c.StartRefresh(context.Background(), 20*time.Millisecond, ""))
	c.StopRefresh()
}

func TestController_RefreshValidation(t *testing.T) {
	c := NewController(func(context.Context) error { return nil })

	assert.Error(t, c.StartRefresh(context.Background(), 0, ""))
	assert.Error(t, c.StartRefresh(context.Background(), 0, "not a cron"))
	require.NoError(t, c.StartRefresh(context.Background(), 0, "*/5 * * * *"))
	c.StopRefresh()
}
