// Package config assembles wireit's runtime knobs from the environment.
// There is no config file for the engine itself (the manifest is the only
// on-disk configuration); everything here is env-var driven per spec.md §6,
// injected once into the engine's constructor rather than read ad hoc.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// FailureMode governs how a failure propagates across the DAG.
type FailureMode string

const (
	FailureNoNew    FailureMode = "no-new"
	FailureContinue FailureMode = "continue"
	FailureKill     FailureMode = "kill"
)

// CacheBackend selects which cache implementation the engine wires up.
type CacheBackend string

const (
	CacheLocal  CacheBackend = "local"
	CacheGitHub CacheBackend = "github"
	CacheNone   CacheBackend = "none"
)

// LockMode resolves spec.md's Open Question about surfacing lock
// contention explicitly rather than leaving it ambiguous.
type LockMode string

const (
	LockWait LockMode = "wait"
	LockFail LockMode = "fail"
)

// LoggerKind selects the CLI-facing logger/presentation the EXternal
// collaborator renders. It is parsed and validated here; the core does
// not read it.
type LoggerKind string

const (
	LoggerDefault  LoggerKind = "default"
	LoggerQuiet    LoggerKind = "quiet"
	LoggerQuietCI  LoggerKind = "quiet-ci"
	LoggerMetrics  LoggerKind = "metrics"
	LoggerDebug    LoggerKind = "debug"
)

// Unbounded marks Parallelism/FileDescriptorBudget as having no cap.
const Unbounded = -1

// EngineOptions is the full set of knobs the executor, cache, watcher and
// service supervisor are constructed with. Nothing here is mutated after
// FromEnv returns; a watch-mode rerun reuses the same EngineOptions across
// iterations.
type EngineOptions struct {
	Failures FailureMode

	// Parallelism is the max number of concurrently running commands.
	// Unbounded means no cap; 1 forces serial execution.
	Parallelism int

	Cache CacheBackend

	// GitHubCustodianPort, when nonzero, is the port of a sidecar HTTP
	// service vending cache credentials for the remote backend.
	GitHubCustodianPort int

	Logger LoggerKind

	// FileDescriptorBudget bounds concurrently open files while
	// fingerprinting digests input files. Cache I/O, glob expansion and
	// state writes do not go through this budget.
	FileDescriptorBudget int

	LockMode LockMode

	// ExtraArgs are forwarded to the root script and, transitively, to
	// dependencies reached through extra-args-pass-through edges. They
	// never participate in any fingerprint (spec.md §9).
	ExtraArgs []string
}

// DefaultEngineOptions returns wireit's defaults before any environment
// override is applied.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		Failures:              FailureContinue,
		Parallelism:           runtime.NumCPU() * 4,
		Cache:                 CacheLocal,
		Logger:                LoggerDefault,
		FileDescriptorBudget:  200,
		LockMode:              LockWait,
	}
}

// FromEnv builds EngineOptions by applying the env vars recognized in
// spec.md §6 on top of DefaultEngineOptions, the way the teacher's
// Config.applyEnvOverrides layers environment variables over a struct of
// defaults.
func FromEnv() (EngineOptions, error) {
	opts := DefaultEngineOptions()
	if err := opts.applyEnvOverrides(); err != nil {
		return EngineOptions{}, err
	}
	return opts, nil
}

func (o *EngineOptions) applyEnvOverrides() error {
	if v := os.Getenv("WIREIT_FAILURES"); v != "" {
		switch FailureMode(v) {
		case FailureNoNew, FailureContinue, FailureKill:
			o.Failures = FailureMode(v)
		default:
			return fmt.Errorf("WIREIT_FAILURES: invalid value %q (want no-new, continue, or kill)", v)
		}
	}

	if v := os.Getenv("WIREIT_PARALLEL"); v != "" {
		n, err := parseParallel(v)
		if err != nil {
			return fmt.Errorf("WIREIT_PARALLEL: %w", err)
		}
		o.Parallelism = n
	}

	if v := os.Getenv("WIREIT_CACHE"); v != "" {
		switch CacheBackend(v) {
		case CacheLocal, CacheGitHub, CacheNone:
			o.Cache = CacheBackend(v)
		default:
			return fmt.Errorf("WIREIT_CACHE: invalid value %q (want local, github, or none)", v)
		}
	}

	if v := os.Getenv("WIREIT_CACHE_GITHUB_CUSTODIAN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WIREIT_CACHE_GITHUB_CUSTODIAN_PORT: %w", err)
		}
		o.GitHubCustodianPort = port
	}

	if v := os.Getenv("WIREIT_LOGGER"); v != "" {
		switch LoggerKind(v) {
		case LoggerDefault, LoggerQuiet, LoggerQuietCI, LoggerMetrics, LoggerDebug:
			o.Logger = LoggerKind(v)
		default:
			return fmt.Errorf("WIREIT_LOGGER: invalid value %q", v)
		}
	}

	if v := os.Getenv("WIREIT_MAX_OPEN_FILES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WIREIT_MAX_OPEN_FILES: %w", err)
		}
		o.FileDescriptorBudget = n
	}

	if v := os.Getenv("WIREIT_LOCK_MODE"); v != "" {
		switch LockMode(v) {
		case LockWait, LockFail:
			o.LockMode = LockMode(v)
		default:
			return fmt.Errorf("WIREIT_LOCK_MODE: invalid value %q (want wait or fail)", v)
		}
	}

	return nil
}

// parseParallel implements spec.md §4.4's parallelism grammar: a positive
// integer, the literal "Infinity", or empty (handled by the caller via
// applyEnvOverrides simply not calling this for an empty string).
func parseParallel(v string) (int, error) {
	if v == "Infinity" {
		return Unbounded, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("must be a positive integer or \"Infinity\", got %q", v)
	}
	if n < 1 {
		return 0, fmt.Errorf("must be >= 1, got %d", n)
	}
	return n, nil
}
