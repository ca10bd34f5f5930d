// Package events defines the strongly-typed event bus the executor,
// service supervisor, cache, and watcher publish to, and loggers/metrics
// consume read-only (spec.md §4.8).
package events

import (
	"sync"

	"wireit/internal/types"
)

// SuccessReason enumerates why a script completed successfully.
type SuccessReason string

const (
	SuccessNoCommand SuccessReason = "no-command"
	SuccessFresh      SuccessReason = "fresh"
	SuccessCached     SuccessReason = "cached"
	SuccessExitZero   SuccessReason = "exit-zero"
)

// FailureReason enumerates why a script, or the invocation as a whole,
// failed.
type FailureReason string

const (
	FailureSpawnError      FailureReason = "spawn-error"
	FailureSignal          FailureReason = "signal"
	FailureExitNonZero     FailureReason = "exit-non-zero"
	FailureDepFailed       FailureReason = "dep-failed"
	FailureDepServiceExit  FailureReason = "dep-service-exit"
	FailureStartCancelled  FailureReason = "start-cancelled"
	FailureCycle           FailureReason = "cycle"
	FailureInvalidConfig   FailureReason = "invalid-config"
	FailureNoScriptsToRun  FailureReason = "no-scripts-to-run"
	FailureLocked          FailureReason = "locked"
	FailurePreviousWatch   FailureReason = "failed-previous-watch-iteration"
)

// Stream distinguishes stdout from stderr for output events.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Kind discriminates the four event shapes.
type Kind int

const (
	KindInfo Kind = iota
	KindOutput
	KindSuccess
	KindFailure
)

// Event is the single typed envelope published on the bus. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind Kind
	Ref  types.Ref

	Detail string // KindInfo

	Stream Stream // KindOutput
	Chunk  []byte // KindOutput

	SuccessReason SuccessReason // KindSuccess

	FailureReason  FailureReason // KindFailure
	FailurePayload string
}

// Subscriber receives events in publish order. Handle runs synchronously
// inside Publish, so a slow implementation delays the publisher.
type Subscriber interface {
	Handle(Event)
}

// Bus fans a single producer stream out to any number of subscribers.
// Safe for concurrent Publish calls from multiple script executions.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// New creates an empty Bus.
func New() *Bus { return &Bus{} }

// Subscribe registers s to receive all future published events.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Publish delivers ev to every current subscriber, synchronously and in
// subscription order. Per spec.md §4.7, ordering across concurrent
// scripts is undefined; only within-script stdout ordering is guaranteed,
// which callers preserve by publishing from a single goroutine per script.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.Handle(ev)
	}
}

// Info publishes a KindInfo event.
func (b *Bus) Info(ref types.Ref, detail string) {
	b.Publish(Event{Kind: KindInfo, Ref: ref, Detail: detail})
}

// Output publishes a KindOutput event.
func (b *Bus) Output(ref types.Ref, stream Stream, chunk []byte) {
	b.Publish(Event{Kind: KindOutput, Ref: ref, Stream: stream, Chunk: chunk})
}

// Success publishes a KindSuccess event.
func (b *Bus) Success(ref types.Ref, reason SuccessReason) {
	b.Publish(Event{Kind: KindSuccess, Ref: ref, SuccessReason: reason})
}

// Failure publishes a KindFailure event.
func (b *Bus) Failure(ref types.Ref, reason FailureReason, payload string) {
	b.Publish(Event{Kind: KindFailure, Ref: ref, FailureReason: reason, FailurePayload: payload})
}
