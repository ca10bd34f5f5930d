package service

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"wireit/internal/events"
	"wireit/internal/types"
)

// TestMain guards against leaked readiness/teardown goroutines, the same
// way the teacher verifies its own long-running shard supervisors.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newFakeHandle's Done channel is buffered so a test that stops the
// service explicitly and one that lets the fake process "run" for its
// whole duration both leave the monitor goroutine able to proceed; t's
// cleanup sends a final nil so a test that never stops it still lets
// monitor observe an exit before the package's goleak check runs.
func newFakeHandle(t *testing.T, stdout string) (*ProcessHandle, chan error) {
	done := make(chan error, 1)
	t.Cleanup(func() {
		select {
		case done <- nil:
		default:
		}
	})
	return &ProcessHandle{
		Stdout: strings.NewReader(stdout),
		Stderr: strings.NewReader(""),
		Done:   done,
		Signal: func(os.Signal) error { done <- nil; return nil },
		Kill:   func() error { return nil },
	}, done
}

func TestRequestStart_ReadyOnSpawn(t *testing.T) {
	bus := events.New()
	handle, _ := newFakeHandle(t, "")
	started := false
	sup := New(types.Ref{PackageDir: "/pkg", Name: "server"}, types.Readiness{Mode: types.ReadyOnSpawn}, false,
		func(ctx context.Context) (*ProcessHandle, error) {
			started = true
			return handle, nil
		}, bus)

	require.NoError(t, sup.RequestStart(context.Background()))
	require.True(t, started)
	require.Equal(t, StateStarted, sup.State())
}

func TestRequestStart_ReadyOnLineMatch(t *testing.T) {
	bus := events.New()
	handle, _ := newFakeHandle(t, "booting\nlistening on :3000\nextra\n")
	sup := New(types.Ref{PackageDir: "/pkg", Name: "server"},
		types.Readiness{Mode: types.ReadyOnLineMatch, LineMatches: `listening on :\d+`}, false,
		func(ctx context.Context) (*ProcessHandle, error) { return handle, nil }, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.RequestStart(ctx))
	require.Equal(t, StateStarted, sup.State())
}

func TestRequestStart_IdempotentWhileStarted(t *testing.T) {
	bus := events.New()
	handle, _ := newFakeHandle(t, "")
	calls := 0
	sup := New(types.Ref{PackageDir: "/pkg", Name: "server"}, types.Readiness{Mode: types.ReadyOnSpawn}, false,
		func(ctx context.Context) (*ProcessHandle, error) { calls++; return handle, nil }, bus)

	require.NoError(t, sup.RequestStart(context.Background()))
	require.NoError(t, sup.RequestStart(context.Background()))
	require.Equal(t, 1, calls, "a second RequestStart after STARTED must not respawn")
}

func TestRequestStart_FailsWhenProcessExitsBeforeReadyLine(t *testing.T) {
	bus := events.New()
	handle, _ := newFakeHandle(t, "booting\nnever matches\n")
	sup := New(types.Ref{PackageDir: "/pkg", Name: "server"},
		types.Readiness{Mode: types.ReadyOnLineMatch, LineMatches: `listening on :\d+`}, false,
		func(ctx context.Context) (*ProcessHandle, error) { return handle, nil }, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.RequestStart(ctx)
	require.Error(t, err, "RequestStart must fail when the process exits without ever printing the ready line")
	require.Equal(t, StateFailed, sup.State())
}

func TestReleaseConsumer_StopsWhenNotDirectlyInvoked(t *testing.T) {
	bus := events.New()
	handle, _ := newFakeHandle(t, "")
	sup := New(types.Ref{PackageDir: "/pkg", Name: "server"}, types.Readiness{Mode: types.ReadyOnSpawn}, false,
		func(ctx context.Context) (*ProcessHandle, error) { return handle, nil }, bus)

	require.NoError(t, sup.RequestStart(context.Background()))
	sup.AddConsumer()
	sup.ReleaseConsumer(context.Background())

	require.Eventually(t, func() bool { return sup.State() == StateStopped }, time.Second, 10*time.Millisecond)
}

func TestReleaseConsumer_StaysUpWhenDirectlyInvoked(t *testing.T) {
	bus := events.New()
	handle, _ := newFakeHandle(t, "")
	sup := New(types.Ref{PackageDir: "/pkg", Name: "server"}, types.Readiness{Mode: types.ReadyOnSpawn}, true,
		func(ctx context.Context) (*ProcessHandle, error) { return handle, nil }, bus)

	require.NoError(t, sup.RequestStart(context.Background()))
	sup.AddConsumer()
	sup.ReleaseConsumer(context.Background())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateStarted, sup.State(), "a directly-invoked service must not auto-stop")
}
