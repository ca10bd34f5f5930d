// Package executor walks an analyzed dependency graph and runs each
// script exactly once per invocation: resolving dependencies in
// randomized parallel order, starting effective service dependencies,
// fingerprinting, consulting the cache, spawning commands, and persisting
// results (spec.md §4.4).
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/exec"
	"sync"
	"sync/atomic"

	"wireit/internal/analyzer"
	"wireit/internal/cache"
	"wireit/internal/config"
	"wireit/internal/events"
	"wireit/internal/fingerprint"
	"wireit/internal/fsutil"
	"wireit/internal/lock"
	"wireit/internal/logging"
	"wireit/internal/service"
	"wireit/internal/types"
)

// future memoizes one ref's execution result, per spec.md §4.4's
// "idempotent per ref in the lifetime of the executor" contract.
type future struct {
	done   chan struct{}
	result fingerprint.Fingerprint
	err    error
}

// Executor runs every script reachable from graph.Root exactly once,
// publishing events to bus as it goes.
type Executor struct {
	graph              *analyzer.Graph
	effectiveServices  map[types.Ref][]types.Ref
	extraArgRecipients map[types.Ref]bool

	bus          *events.Bus
	cacheBackend cache.Backend
	fdGate       *fsutil.Gate
	parallelism  *fsutil.Gate
	opts         config.EngineOptions
	extraArgs    []string

	abortCtx    context.Context
	abortCancel context.CancelFunc
	noNewDispatch atomic.Bool

	mu          sync.Mutex
	futures     map[types.Ref]*future
	supervisors map[types.Ref]*service.Supervisor
}

// New constructs an Executor for one invocation of graph. fdGate bounds
// concurrently open files while fingerprinting (cache I/O does not use it);
// parallelism bounds concurrently spawned commands, sized from
// opts.Parallelism.
func New(graph *analyzer.Graph, bus *events.Bus, cacheBackend cache.Backend, fdGate *fsutil.Gate, opts config.EngineOptions, extraArgs []string) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		graph:              graph,
		effectiveServices:  analyzer.EffectiveServiceDependencies(graph),
		extraArgRecipients: extraArgRecipients(graph),
		bus:                bus,
		cacheBackend:       cacheBackend,
		fdGate:             fdGate,
		parallelism:        fsutil.NewGate(opts.Parallelism),
		opts:               opts,
		extraArgs:          extraArgs,
		abortCtx:           ctx,
		abortCancel:        cancel,
		futures:            map[types.Ref]*future{},
		supervisors:        map[types.Ref]*service.Supervisor{},
	}
}

// extraArgRecipients computes which refs receive the invocation's extra
// args: the root always does, and a dependency receives them transitively
// through any chain of extra-args-pass-through edges.
func extraArgRecipients(g *analyzer.Graph) map[types.Ref]bool {
	recipients := map[types.Ref]bool{g.Root: true}
	changed := true
	for changed {
		changed = false
		for ref, cfg := range g.Nodes {
			if !recipients[ref] {
				continue
			}
			for _, edge := range cfg.Dependencies {
				if edge.ExtraArgsPassThrough && !recipients[edge.Target] {
					recipients[edge.Target] = true
					changed = true
				}
			}
		}
	}
	return recipients
}

// Abort cancels all in-flight and future command spawns: running children
// are signaled to stop (with a grace-then-kill escalation), and no new
// script is dispatched.
func (e *Executor) Abort() {
	e.noNewDispatch.Store(true)
	e.abortCancel()
}

// Run is Execute wrapped with a watcher that calls Abort as soon as ctx
// is done, so a caller's own cancellation (a Ctrl+C, a watch-mode
// teardown) actually reaches running children and blocked lock/
// parallelism/service waiters instead of only unblocking Execute's own
// return. Callers driving an Executor from a cancellable context should
// call this instead of Execute directly.
func (e *Executor) Run(ctx context.Context, ref types.Ref) (fingerprint.Fingerprint, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			e.Abort()
		case <-stop:
		}
	}()
	return e.Execute(ctx, ref)
}

// Execute runs ref (and everything it transitively depends on) exactly
// once for the lifetime of e, returning its fingerprint on success.
func (e *Executor) Execute(ctx context.Context, ref types.Ref) (fingerprint.Fingerprint, error) {
	e.mu.Lock()
	fut, exists := e.futures[ref]
	if !exists {
		fut = &future{done: make(chan struct{})}
		e.futures[ref] = fut
		e.mu.Unlock()

		fut.result, fut.err = e.executeOnce(ctx, ref)
		close(fut.done)
	} else {
		e.mu.Unlock()
		select {
		case <-fut.done:
		case <-ctx.Done():
			return fingerprint.Fingerprint{}, ctx.Err()
		}
	}
	return fut.result, fut.err
}

func (e *Executor) executeOnce(ctx context.Context, ref types.Ref) (fingerprint.Fingerprint, error) {
	if e.noNewDispatch.Load() {
		e.bus.Failure(ref, events.FailureStartCancelled, "no new scripts dispatched after a failure")
		return fingerprint.Fingerprint{}, fmt.Errorf("executor: %s not started: dispatch halted", ref)
	}

	cfg := e.graph.Nodes[ref]
	if cfg == nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("executor: %s has no analyzed config", ref)
	}

	depFPs, err := e.runDependencies(ctx, cfg)
	if err != nil {
		e.bus.Failure(ref, events.FailureDepFailed, err.Error())
		return fingerprint.Fingerprint{}, err
	}

	if err := e.startEffectiveServices(ctx, ref); err != nil {
		e.bus.Failure(ref, events.FailureDepFailed, err.Error())
		return fingerprint.Fingerprint{}, err
	}
	// Every kind that successfully starts its effective services must
	// release them once its own work is done, not just the standard-script
	// path: a no-command or service script that depends on another service
	// holds a consumer slot too, and that service can only reach STOPPING
	// once every holder has released it (spec.md §4.6).
	defer e.releaseEffectiveServices(ref)

	fp, err := fingerprint.Compute(ctx, cfg.Ref.PackageDir, cfg, depFPs, e.fdGate)
	if err != nil {
		e.bus.Failure(ref, events.FailureInvalidConfig, err.Error())
		return fingerprint.Fingerprint{}, err
	}

	switch cfg.Kind {
	case types.KindNoCommand:
		e.bus.Success(ref, events.SuccessNoCommand)
		return fp, nil
	case types.KindService:
		sup := e.supervisorFor(ref, cfg)
		if err := sup.RequestStart(ctx); err != nil {
			e.onScriptFailed()
			return fingerprint.Fingerprint{}, err
		}
		return fp, nil
	default:
		return e.runStandard(ctx, ref, cfg, fp)
	}
}

// runDependencies evaluates cfg's dependencies in parallel in a freshly
// shuffled order on every call, per spec.md §4.4 step 1.
func (e *Executor) runDependencies(ctx context.Context, cfg *types.Config) ([]fingerprint.Dependency, error) {
	edges := append([]types.DependencyEdge(nil), cfg.Dependencies...)
	rand.Shuffle(len(edges), func(i, j int) { edges[i], edges[j] = edges[j], edges[i] })

	type depOutcome struct {
		edge types.DependencyEdge
		fp   fingerprint.Fingerprint
		err  error
	}
	outcomes := make([]depOutcome, len(edges))

	var wg sync.WaitGroup
	for i, edge := range edges {
		wg.Add(1)
		go func(i int, edge types.DependencyEdge) {
			defer wg.Done()
			fp, err := e.Execute(ctx, edge.Target)
			outcomes[i] = depOutcome{edge: edge, fp: fp, err: err}
		}(i, edge)
	}
	wg.Wait()

	var firstErr error
	deps := make([]fingerprint.Dependency, 0, len(edges))
	for _, o := range outcomes {
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		if o.edge.Cascade {
			deps = append(deps, fingerprint.Dependency{Ref: o.edge.Target, FP: o.fp})
		}
	}
	if firstErr != nil {
		e.onScriptFailed()
		return nil, firstErr
	}
	return deps, nil
}

// onScriptFailed reacts to one script's failure according to the
// configured failure mode (spec.md §4.4 "Failure mode").
func (e *Executor) onScriptFailed() {
	switch e.opts.Failures {
	case config.FailureNoNew:
		e.noNewDispatch.Store(true)
	case config.FailureKill:
		e.noNewDispatch.Store(true)
		e.abortCancel()
	case config.FailureContinue:
		// Unrelated scripts keep dispatching; only direct dependents of
		// the failed ref fail, which runDependencies already handles.
	}
}

// startEffectiveServices requests startup of every effective service
// dependency of ref and registers ref as a consumer of each, per
// spec.md §4.4 step 2 / §4.6.
func (e *Executor) startEffectiveServices(ctx context.Context, ref types.Ref) error {
	for _, svcRef := range e.effectiveServices[ref] {
		svcCfg := e.graph.Nodes[svcRef]
		if svcCfg == nil {
			continue
		}
		sup := e.supervisorFor(svcRef, svcCfg)
		sup.AddConsumer()
		if err := sup.RequestStart(ctx); err != nil {
			sup.ReleaseConsumer(e.abortCtx)
			return fmt.Errorf("executor: service %s failed to start: %w", svcRef, err)
		}
	}
	return nil
}

// releaseEffectiveServices is the mirror of startEffectiveServices, called
// once ref's own work (successful or not) is complete.
func (e *Executor) releaseEffectiveServices(ref types.Ref) {
	for _, svcRef := range e.effectiveServices[ref] {
		e.mu.Lock()
		sup := e.supervisors[svcRef]
		e.mu.Unlock()
		if sup != nil {
			sup.ReleaseConsumer(e.abortCtx)
		}
	}
}

// supervisorFor returns (creating if needed) the Supervisor for svcRef.
func (e *Executor) supervisorFor(svcRef types.Ref, svcCfg *types.Config) *service.Supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sup, ok := e.supervisors[svcRef]; ok {
		return sup
	}
	sup := service.New(svcRef, svcCfg.Readiness, svcCfg.IsDirectlyInvoked,
		startService(svcRef.PackageDir, svcCfg.Command, func(stderr bool, chunk []byte) {
			e.bus.Output(svcRef, streamFor(stderr), chunk)
		}),
		e.bus)
	e.supervisors[svcRef] = sup
	return sup
}

func streamFor(stderr bool) events.Stream {
	if stderr {
		return events.Stderr
	}
	return events.Stdout
}

// runStandard implements spec.md §4.4 step 5 for a standard script.
func (e *Executor) runStandard(ctx context.Context, ref types.Ref, cfg *types.Config, fp fingerprint.Fingerprint) (fingerprint.Fingerprint, error) {
	lk, err := lock.Acquire(e.abortCtx, ref.PackageDir, ref.Name, e.opts.LockMode, func() {
		e.bus.Failure(ref, events.FailureLocked, "waiting for package lock")
	})
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			e.bus.Failure(ref, events.FailureLocked, err.Error())
		} else {
			e.bus.Failure(ref, events.FailureStartCancelled, err.Error())
		}
		return fingerprint.Fingerprint{}, err
	}
	defer lk.Release()

	prev, havePrev := readState(ref)
	if havePrev && prev.Digest == fp.Digest && fp.Cacheable {
		if len(prev.Stdout) > 0 {
			e.bus.Output(ref, events.Stdout, prev.Stdout)
		}
		if len(prev.Stderr) > 0 {
			e.bus.Output(ref, events.Stderr, prev.Stderr)
		}
		e.bus.Success(ref, events.SuccessFresh)
		return fp, nil
	}

	if applier, ok, err := e.cacheBackend.Get(ctx, ref, fp.Digest); err == nil && ok {
		if cfg.OutputDefined {
			if err := fsutil.DeleteOutputs(ref.PackageDir, cfg.Output); err != nil {
				e.bus.Failure(ref, events.FailureInvalidConfig, err.Error())
				return fingerprint.Fingerprint{}, err
			}
		}
		if err := applier.Apply(ctx, ref.PackageDir); err != nil {
			e.bus.Failure(ref, events.FailureInvalidConfig, err.Error())
			return fingerprint.Fingerprint{}, err
		}
		replay := applier.Replay()
		if len(replay.Stdout) > 0 {
			e.bus.Output(ref, events.Stdout, replay.Stdout)
		}
		if len(replay.Stderr) > 0 {
			e.bus.Output(ref, events.Stderr, replay.Stderr)
		}
		if err := writeState(ref, cfg, persistedState{Digest: fp.Digest, Cacheable: fp.Cacheable, Stdout: replay.Stdout, Stderr: replay.Stderr}); err != nil {
			logging.ExecutorDebug("failed to persist state for %s after cache hit: %v", ref, err)
		}
		e.bus.Success(ref, events.SuccessCached)
		return fp, nil
	}

	if e.shouldCleanBeforeSpawn(ref, cfg) {
		if cfg.OutputDefined {
			if err := fsutil.DeleteOutputs(ref.PackageDir, cfg.Output); err != nil {
				e.bus.Failure(ref, events.FailureInvalidConfig, err.Error())
				return fingerprint.Fingerprint{}, err
			}
		}
	}

	release, err := e.parallelism.Acquire(e.abortCtx)
	if err != nil {
		e.bus.Failure(ref, events.FailureStartCancelled, err.Error())
		return fingerprint.Fingerprint{}, err
	}

	var extraArgs []string
	if e.extraArgRecipients[ref] {
		extraArgs = e.extraArgs
	}

	exitErr, stdout, stderr, spawnErr := runOneShot(e.abortCtx, ref.PackageDir, cfg.Command, extraArgs,
		func(stderrStream bool, chunk []byte) { e.bus.Output(ref, streamFor(stderrStream), chunk) })
	release()

	if spawnErr != nil {
		e.bus.Failure(ref, events.FailureSpawnError, spawnErr.Error())
		e.onScriptFailed()
		return fingerprint.Fingerprint{}, spawnErr
	}
	if exitErr != nil {
		var ee *exec.ExitError
		if errors.As(exitErr, &ee) && ee.ExitCode() == -1 {
			e.bus.Failure(ref, events.FailureSignal, exitErr.Error())
		} else {
			e.bus.Failure(ref, events.FailureExitNonZero, exitErr.Error())
		}
		e.onScriptFailed()
		return fingerprint.Fingerprint{}, exitErr
	}

	if fp.Cacheable {
		if entries, err := buildCacheEntries(ref, cfg, stdout, stderr); err == nil {
			if _, err := e.cacheBackend.Set(ctx, ref, fp.Digest, entries); err != nil {
				logging.ExecutorDebug("cache set failed for %s: %v", ref, err)
			}
		} else {
			logging.ExecutorDebug("collecting outputs for %s: %v", ref, err)
		}
	}

	if err := writeState(ref, cfg, persistedState{Digest: fp.Digest, Cacheable: fp.Cacheable, Stdout: stdout, Stderr: stderr}); err != nil {
		logging.ExecutorDebug("failed to persist state for %s: %v", ref, err)
	}

	e.bus.Success(ref, events.SuccessExitZero)
	return fp, nil
}

// shouldCleanBeforeSpawn implements the three `clean` policies' "before
// spawn" half (spec.md §4.4 step 5c); the "before cache restore" half is
// unconditional and handled directly in runStandard.
func (e *Executor) shouldCleanBeforeSpawn(ref types.Ref, cfg *types.Config) bool {
	switch cfg.Clean {
	case types.CleanAlways:
		return true
	case types.CleanNever:
		return false
	case types.CleanIfFileDeleted:
		prev, ok := readState(ref)
		if !ok {
			return false
		}
		return anyMissing(ref.PackageDir, prev.InputFiles)
	default:
		return false
	}
}
