package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wireit/internal/cache"
	"wireit/internal/config"
	"wireit/internal/events"
	"wireit/internal/fsutil"
	"wireit/internal/manifest"
	"wireit/internal/types"
)

// fsnotify spawns platform-specific goroutines that a leak checker can't
// reliably attribute back to this package, so these tests assert on
// behavior (run counts, bounded shutdown) rather than goroutine counts —
// see the teacher's equivalent note on its own fsnotify-backed watcher.

type recorder struct{ events []events.Event }

func (r *recorder) Handle(ev events.Event) { r.events = append(r.events, ev) }

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(content), 0644))
}

func TestWatcher_InitialRunIsUnconditional(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
		"scripts": {"build": "wireit"},
		"wireit": {"build": {"command": "echo run >> runs.log", "files": ["package.json"], "output": ["runs.log"], "clean": false}}
	}`)

	root := types.Ref{PackageDir: dir, Name: "build"}
	bus := events.New()
	rec := &recorder{}
	bus.Subscribe(rec)

	w := New(root, manifest.NewReader(), bus, cache.NewLocal(), fsutil.NewGate(config.Unbounded), config.DefaultEngineOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	data, err := os.ReadFile(filepath.Join(dir, "runs.log"))
	require.NoError(t, err)
	require.Equal(t, "run\n", string(data))
}

func TestWatcher_RerunsOnInputChangeAndStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
		"scripts": {"build": "wireit"},
		"wireit": {"build": {"command": "echo run >> runs.log", "files": ["input.txt"], "output": ["runs.log"], "clean": false}}
	}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("v0"), 0644))

	root := types.Ref{PackageDir: dir, Name: "build"}
	bus := events.New()
	rec := &recorder{}
	bus.Subscribe(rec)

	w := New(root, manifest.NewReader(), bus, cache.NewLocal(), fsutil.NewGate(config.Unbounded), config.DefaultEngineOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "runs.log"))
		return err == nil && len(data) > 0
	}, 2*time.Second, 10*time.Millisecond, "initial run never produced output")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("v1"), 0644))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "runs.log"))
		return err == nil && string(data) == "run\nrun\n"
	}, 2*time.Second, 10*time.Millisecond, "change to input.txt never triggered a rerun")

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not return after cancellation")
	}
}

func TestWatcher_KnownFailureDoesNotStopLoop(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{
		"scripts": {"build": "wireit"},
		"wireit": {"build": {"command": "exit 1", "files": ["input.txt"]}}
	}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("v0"), 0644))

	root := types.Ref{PackageDir: dir, Name: "build"}
	bus := events.New()
	rec := &recorder{}
	bus.Subscribe(rec)

	w := New(root, manifest.NewReader(), bus, cache.NewLocal(), fsutil.NewGate(config.Unbounded), config.DefaultEngineOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	sawFailure := false
	for _, ev := range rec.events {
		if ev.Kind == events.KindFailure && ev.FailureReason == events.FailureExitNonZero {
			sawFailure = true
		}
	}
	require.True(t, sawFailure, "%v", rec.events)
}
