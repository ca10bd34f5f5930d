package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wireit/internal/config"
)

func TestAcquire_FailModeReturnsErrLockedOnContention(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l1, err := Acquire(ctx, dir, "build", config.LockFail, nil)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(ctx, dir, "build", config.LockFail, nil)
	require.True(t, errors.Is(err, ErrLocked))
}

func TestAcquire_WaitModeBlocksThenSucceedsAfterRelease(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l1, err := Acquire(ctx, dir, "build", config.LockWait, nil)
	require.NoError(t, err)

	waited := false
	done := make(chan struct{})
	go func() {
		l2, err := Acquire(ctx, dir, "build", config.LockWait, func() { waited = true })
		require.NoError(t, err)
		l2.Release()
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, l1.Release())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquirer never unblocked")
	}
	require.True(t, waited)
}

func TestAcquire_DifferentScriptsDoNotContend(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l1, err := Acquire(ctx, dir, "build", config.LockFail, nil)
	require.NoError(t, err)
	defer l1.Release()

	l2, err := Acquire(ctx, dir, "test", config.LockFail, nil)
	require.NoError(t, err)
	defer l2.Release()
}
