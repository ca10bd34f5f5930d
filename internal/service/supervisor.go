// Package service implements the per-service state machine that manages a
// long-running service script's startup, readiness, and dependency-driven
// shutdown (spec.md §4.6).
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"wireit/internal/events"
	"wireit/internal/types"
)

// State is one node of the service lifecycle state machine:
// INITIAL → FINGERPRINTING → UNSTARTED → STARTING → STARTED →
// (DETACHED | STOPPING) → (STOPPED | FAILED).
type State int

const (
	StateInitial State = iota
	StateFingerprinting
	StateUnstarted
	StateStarting
	StateStarted
	StateDetached
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateFingerprinting:
		return "fingerprinting"
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateDetached:
		return "detached"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrDependencyFailed is returned by RequestStart when a dependency failed
// before this service could begin.
var ErrDependencyFailed = errors.New("service: dependency failed before start")

// GracePeriod is how long Stop waits after signaling a service before
// escalating to a forced kill.
const GracePeriod = 5 * time.Second

// ProcessHandle is the running-child side of a started service, supplied
// by the executor's spawn implementation.
type ProcessHandle struct {
	Stdout io.Reader
	Stderr io.Reader
	// Done receives the process's exit error (nil on a clean exit) exactly
	// once, whether the exit was expected (Stop) or not.
	Done <-chan error
	// Signal delivers a termination signal (SIGINT/SIGTERM) to the child.
	Signal func(os.Signal) error
	// Kill forcibly terminates the child (SIGKILL).
	Kill func() error
}

// StartFunc spawns the service's command and returns its handle.
type StartFunc func(ctx context.Context) (*ProcessHandle, error)

// Supervisor manages one service script's lifecycle. Safe for concurrent
// use by multiple consumer goroutines.
type Supervisor struct {
	ref               types.Ref
	readiness         types.Readiness
	directlyInvoked   bool
	start             StartFunc
	bus               *events.Bus

	mu        sync.Mutex
	state     State
	consumers int
	handle    *ProcessHandle
	readyErr  error
	readyCh   chan struct{} // closed once the STARTING→STARTED transition resolves (success or failure)
	exitedCh  chan struct{} // closed by monitor once handle.Done has fired; the sole reader of handle.Done
	stopOnce  sync.Once
}

// New constructs a Supervisor in StateUnstarted, ready for RequestStart.
func New(ref types.Ref, readiness types.Readiness, directlyInvoked bool, start StartFunc, bus *events.Bus) *Supervisor {
	return &Supervisor{
		ref:             ref,
		readiness:       readiness,
		directlyInvoked: directlyInvoked,
		start:           start,
		bus:             bus,
		state:           StateUnstarted,
	}
}

// State reports the supervisor's current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestStart is idempotent: UNSTARTED moves to STARTING and spawns;
// a concurrent or later call while STARTING waits on the same readiness
// future; STARTED returns immediately. Blocks until the service reports
// ready or fails to start.
func (s *Supervisor) RequestStart(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStarted, StateDetached:
		s.mu.Unlock()
		return nil
	case StateFailed:
		err := s.readyErr
		s.mu.Unlock()
		if err == nil {
			err = ErrDependencyFailed
		}
		return err
	case StateStarting:
		ready := s.readyCh
		s.mu.Unlock()
		return s.waitForReady(ctx, ready)
	}

	// UNSTARTED (or INITIAL/FINGERPRINTING, treated the same way here
	// since this package is only ever handed a service after the executor
	// has already fingerprinted it): begin the spawn.
	s.state = StateStarting
	s.readyCh = make(chan struct{})
	readyCh := s.readyCh
	s.mu.Unlock()

	handle, err := s.start(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.readyErr = fmt.Errorf("service: spawn %s: %w", s.ref, err)
		close(readyCh)
		s.mu.Unlock()
		s.bus.Failure(s.ref, events.FailureSpawnError, err.Error())
		return s.readyErr
	}

	s.mu.Lock()
	s.handle = handle
	s.exitedCh = make(chan struct{})
	s.mu.Unlock()

	go s.monitor(handle)

	switch s.readiness.Mode {
	case types.ReadyOnSpawn:
		s.markStarted(readyCh)
	case types.ReadyOnLineMatch:
		go s.watchForReadyLine(handle, readyCh)
	default:
		s.markStarted(readyCh)
	}

	return s.waitForReady(ctx, readyCh)
}

// waitForReady blocks until readyCh closes or ctx is done. Closing readyCh
// only means the starting attempt is over, not that it succeeded:
// watchForReadyLine and the spawn-failure path both set state to
// StateFailed and readyErr before closing it, so that must be checked too
// or a service that never became ready looks like a success to the caller.
func (s *Supervisor) waitForReady(ctx context.Context, readyCh chan struct{}) error {
	select {
	case <-readyCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateFailed {
			if s.readyErr != nil {
				return s.readyErr
			}
			return ErrDependencyFailed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) markStarted(readyCh chan struct{}) {
	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateStarted
		s.bus.Info(s.ref, "started")
	}
	s.mu.Unlock()
	closeOnce(readyCh)
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// watchForReadyLine buffers stdout/stderr, emitting the `ready` signal on
// the first line matching the readiness pattern, per spec.md §4.6.
func (s *Supervisor) watchForReadyLine(handle *ProcessHandle, readyCh chan struct{}) {
	pattern, err := regexp.Compile(s.readiness.LineMatches)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.readyErr = fmt.Errorf("service: invalid readyWhen pattern for %s: %w", s.ref, err)
		s.mu.Unlock()
		closeOnce(readyCh)
		return
	}

	lines := make(chan string, 16)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); scanLines(handle.Stdout, lines) }()
	go func() { defer wg.Done(); scanLines(handle.Stderr, lines) }()
	go func() {
		wg.Wait()
		close(lines)
	}()

	for line := range lines {
		if pattern.MatchString(line) {
			s.markStarted(readyCh)
			// Keep draining in the background so the child's pipes never
			// back up after readiness is signaled.
			go func() {
				for range lines {
				}
			}()
			return
		}
	}
	// Both streams closed (process exited) before a matching line appeared.
	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateFailed
		s.readyErr = fmt.Errorf("service: %s exited before readiness pattern matched", s.ref)
	}
	s.mu.Unlock()
	closeOnce(readyCh)
}

func scanLines(r io.Reader, out chan<- string) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// monitor waits for the child to exit and, if that happens while the
// service still has consumers depending on it, propagates failure.
func (s *Supervisor) monitor(handle *ProcessHandle) {
	err := <-handle.Done

	s.mu.Lock()
	wasStopping := s.state == StateStopping
	consumers := s.consumers
	if wasStopping {
		s.state = StateStopped
	} else {
		s.state = StateFailed
	}
	exitedCh := s.exitedCh
	s.mu.Unlock()
	close(exitedCh)

	if wasStopping {
		return
	}
	if err == nil && consumers == 0 && !s.directlyInvoked {
		// Exited exactly when we'd have stopped it ourselves anyway.
		return
	}
	s.bus.Failure(s.ref, events.FailureDepServiceExit, fmt.Sprintf("%v", err))
}

// AddConsumer registers one more dependent currently executing against
// this service.
func (s *Supervisor) AddConsumer() {
	s.mu.Lock()
	s.consumers++
	s.mu.Unlock()
}

// ReleaseConsumer removes one dependent. If the count reaches zero and the
// service was not directly invoked by the user, it begins shutdown.
func (s *Supervisor) ReleaseConsumer(ctx context.Context) {
	s.mu.Lock()
	s.consumers--
	n := s.consumers
	directly := s.directlyInvoked
	state := s.state
	s.mu.Unlock()

	if n <= 0 && !directly && (state == StateStarted) {
		s.Stop(ctx)
	}
}

// Stop tears the service down: signal, wait for the grace window, then
// escalate to a forced kill. Safe to call multiple times.
func (s *Supervisor) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateStarted {
			s.mu.Unlock()
			return
		}
		s.state = StateStopping
		handle := s.handle
		exitedCh := s.exitedCh
		s.mu.Unlock()

		if handle == nil {
			return
		}
		if handle.Signal != nil {
			handle.Signal(os.Interrupt)
		}

		// monitor (the sole reader of handle.Done) closes exitedCh once the
		// child actually exits; Stop only ever observes that signal.
		select {
		case <-exitedCh:
		case <-time.After(GracePeriod):
			if handle.Kill != nil {
				handle.Kill()
			}
			<-exitedCh
		case <-ctx.Done():
			if handle.Kill != nil {
				handle.Kill()
			}
			<-exitedCh
		}
	})
}

// Detach marks a service as surviving past this invocation (not
// implemented as a distinct teardown path yet — directly-invoked services
// simply never auto-stop via ReleaseConsumer).
func (s *Supervisor) Detach() {
	s.mu.Lock()
	if s.state == StateStarted {
		s.state = StateDetached
	}
	s.mu.Unlock()
}
