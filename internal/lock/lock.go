// Package lock implements the advisory lock, one per script inside a
// package directory (<package>/.wireit/locks/<script>), that prevents two
// concurrent engine invocations from colliding on that script's output or
// state (spec.md §5). No third-party file-locking library appears
// anywhere in the reference corpus, so this is built on the standard
// library's O_EXCL create-exclusive primitive rather than a platform
// syscall (see DESIGN.md).
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"wireit/internal/config"
)

// pollInterval is how often a waiting acquirer retests the lock file.
const pollInterval = 50 * time.Millisecond

// staleAfter is how long a lock file may be held before Acquire treats it
// as abandoned by a crashed process and steals it.
const staleAfter = 10 * time.Minute

// Lock is a held advisory lock on one package directory's script.
// Release must be called exactly once.
type Lock struct {
	path string
}

// OnWait is invoked once if Acquire must block on contention, giving the
// caller a chance to emit the `locked` event (spec.md §4.8) before
// actually blocking.
type OnWait func()

// Acquire takes the advisory lock for (packageDir, scriptName). In
// config.LockWait mode it polls until the lock is free or ctx is done,
// calling onWait once if it has to wait at all. In config.LockFail mode
// it returns ErrLocked immediately on contention.
func Acquire(ctx context.Context, packageDir, scriptName string, mode config.LockMode, onWait OnWait) (*Lock, error) {
	dir := filepath.Join(packageDir, ".wireit", "locks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("lock: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, scriptName)

	waited := false
	for {
		ok, err := tryCreate(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{path: path}, nil
		}

		if stealIfStale(path) {
			continue
		}

		if mode == config.LockFail {
			if pid, err := pidOf(path); err == nil {
				return nil, fmt.Errorf("%w (held by pid %d)", ErrLocked, pid)
			}
			return nil, ErrLocked
		}

		if !waited {
			waited = true
			if onWait != nil {
				onWait()
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// ErrLocked is returned by Acquire in config.LockFail mode when the lock
// is already held.
var ErrLocked = errors.New("lock: package directory is locked by another invocation")

func tryCreate(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("lock: create %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()
	return true, nil
}

// stealIfStale removes a lock file older than staleAfter, treating it as
// left behind by a process that crashed without releasing it.
func stealIfStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) < staleAfter {
		return false
	}
	return os.Remove(path) == nil
}

// Release drops the lock. Safe to call once; a second call is a no-op
// error that callers may ignore.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	return os.Remove(l.path)
}

// pidOf reads the PID recorded in a lock file, for diagnostics.
func pidOf(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}
