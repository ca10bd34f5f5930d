// Package watcher wraps the executor in an outer loop driven by
// file-system notifications, re-running the root script's dependency
// graph whenever a reachable manifest or declared input file changes
// (spec.md §4.7).
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"wireit/internal/analyzer"
	"wireit/internal/cache"
	"wireit/internal/config"
	"wireit/internal/events"
	"wireit/internal/executor"
	"wireit/internal/fsutil"
	"wireit/internal/logging"
	"wireit/internal/manifest"
	"wireit/internal/types"
)

// debounceWindow collapses a burst of changes into a single rerun,
// per spec.md §4.7.
const debounceWindow = 50 * time.Millisecond

// Watcher re-runs root's graph on every settled change to its manifest
// files or declared input files, until its Run context is done.
type Watcher struct {
	root         types.Ref
	reader       *manifest.Reader
	analyzer     *analyzer.Analyzer
	bus          *events.Bus
	cacheBackend cache.Backend
	fdGate       *fsutil.Gate
	opts         config.EngineOptions
}

// New constructs a Watcher for root. reader is shared with the one-shot
// analyzer so Invalidate calls made here are visible to
// any other consumer holding the same reader.
func New(root types.Ref, reader *manifest.Reader, bus *events.Bus, cacheBackend cache.Backend, fdGate *fsutil.Gate, opts config.EngineOptions) *Watcher {
	return &Watcher{
		root:         root,
		reader:       reader,
		analyzer:     analyzer.New(reader),
		bus:          bus,
		cacheBackend: cacheBackend,
		fdGate:       fdGate,
		opts:         opts,
	}
}

// Run drives the watch loop: an unconditional initial run, then reruns
// triggered by debounced file-system changes, until ctx is done. On
// return every fsnotify subscription has been torn down.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: creating fsnotify watcher: %w", err)
	}
	defer fw.Close()

	watched := map[string]bool{}

	runNow := true
	var lastErr error

	var debounceTimer *time.Timer
	var debounceC <-chan time.Time

	for {
		if runNow {
			runNow = false
			lastErr = w.runIteration(ctx, fw, watched, lastErr)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if w.drainPending(fw) {
				// A change settled while the run was in progress: rerun
				// immediately, no additional debounce wait.
				runNow = true
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Dir(ev.Name)] {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(debounceWindow)
			} else if !debounceTimer.Stop() {
				<-debounceTimer.C
			}
			debounceTimer.Reset(debounceWindow)
			debounceC = debounceTimer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.WatcherDebug("fsnotify error: %v", err)

		case <-debounceC:
			debounceTimer = nil
			debounceC = nil
			runNow = true
		}
	}
}

// drainPending non-blockingly checks whether a relevant change arrived
// while runIteration was executing, implementing the "mark stale,
// rerun on completion" half of spec.md §4.7 without a separate flag:
// fsnotify itself queues the event, so this is just an immediate,
// non-debounced check of that queue.
func (w *Watcher) drainPending(fw *fsnotify.Watcher) bool {
	found := false
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return found
			}
			if watchedDirOf(fw, ev.Name) {
				found = true
			}
		default:
			return found
		}
	}
}

func watchedDirOf(fw *fsnotify.Watcher, name string) bool {
	dir := filepath.Dir(name)
	for _, d := range fw.WatchList() {
		if d == dir {
			return true
		}
	}
	return false
}

// runIteration re-analyzes root, resubscribes the watch set to match the
// fresh analysis, and runs the graph once. prevErr, if non-nil, is the
// previous iteration's error, surfaced as a failed-previous-watch-iteration
// event so subscribers can see the loop continuing past it.
func (w *Watcher) runIteration(ctx context.Context, fw *fsnotify.Watcher, watched map[string]bool, prevErr error) error {
	if prevErr != nil {
		w.bus.Failure(w.root, events.FailurePreviousWatch, prevErr.Error())
	}

	w.reader.Invalidate()
	w.analyzer.Reset()

	graph, bag := w.analyzer.Analyze(w.root)
	if bag.HasErrors() {
		for _, d := range bag.Items() {
			reason := events.FailureInvalidConfig
			if d.Reason == "cycle" {
				reason = events.FailureCycle
			}
			w.bus.Failure(w.root, reason, d.String())
		}
		// Known failures never cross the watch-loop boundary (spec.md §7):
		// keep watching whatever we already know about and wait for a fix.
		return fmt.Errorf("analysis failed")
	}

	w.resubscribe(fw, watched, watchSet(graph))

	ex := executor.New(graph, w.bus, w.cacheBackend, w.fdGate, w.opts, w.opts.ExtraArgs)
	_, err := ex.Run(ctx, w.root)
	return err
}

// watchSet computes every directory that must be watched for graph: the
// directory of every reachable manifest file, plus, for every script with
// a non-empty files glob, every directory currently matched by that glob
// (an empty glob set for a directory skips the watcher, per spec.md §4.7).
func watchSet(graph *analyzer.Graph) map[string]bool {
	dirs := map[string]bool{}
	for ref, cfg := range graph.Nodes {
		if cfg.DeclaringFile != "" {
			dirs[filepath.Dir(cfg.DeclaringFile)] = true
		}
		if !cfg.FilesDefined || len(cfg.Files) == 0 {
			continue
		}
		dirs[ref.PackageDir] = true
		entries, err := fsutil.ExpandGlobs(ref.PackageDir, cfg.Files)
		if err != nil {
			continue
		}
		for _, e := range entries {
			dirs[filepath.Dir(e.AbsPath)] = true
		}
	}
	return dirs
}

// resubscribe adds directories newly present in want and removes ones no
// longer needed, leaving watched as the authoritative record of what fw
// currently has registered.
func (w *Watcher) resubscribe(fw *fsnotify.Watcher, watched map[string]bool, want map[string]bool) {
	for dir := range want {
		if watched[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			logging.WatcherDebug("failed to watch %s: %v", dir, err)
			continue
		}
		watched[dir] = true
	}
	for dir := range watched {
		if want[dir] {
			continue
		}
		fw.Remove(dir)
		delete(watched, dir)
	}
}
