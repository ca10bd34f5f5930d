package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"wireit/internal/fsutil"
	"wireit/internal/types"
)

// manifestEntry is one line of a local cache entry's manifest.json.
type manifestEntry struct {
	RelPath string `json:"relPath"`
	Type    int    `json:"type"`
	Mode    uint32 `json:"mode,omitempty"`
	// Target holds the symlink target for EntrySymlink entries; for
	// EntryFile entries the content lives in a sibling blob file instead.
	Target string `json:"target,omitempty"`
}

type manifest struct {
	Entries []manifestEntry `json:"entries"`
}

// Local is the local filesystem cache backend, grounded on the persisted
// state layout described in spec.md §6: entries live under
// <packageDir>/.wireit/cache/<script>/<digest>/.
type Local struct {
	mu sync.Mutex
}

// NewLocal constructs a Local backend. Local is stateless beyond the
// filesystem it reads and writes, so the zero value (via &Local{}) also
// works; NewLocal exists for symmetry with NewRemote.
func NewLocal() *Local { return &Local{} }

func (l *Local) entryDir(ref types.Ref, digest string) string {
	return filepath.Join(ref.PackageDir, ".wireit", "cache", ref.Name, digest)
}

func (l *Local) Get(ctx context.Context, ref types.Ref, fingerprintDigest string) (Applier, bool, error) {
	dir := l.entryDir(ref, fingerprintDigest)
	manifestPath := filepath.Join(dir, "manifest.json")

	data, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: read manifest %s: %w", manifestPath, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("cache: parse manifest %s: %w", manifestPath, err)
	}

	var replay Replay
	replay.Stdout, _ = os.ReadFile(filepath.Join(dir, "stdout"))
	replay.Stderr, _ = os.ReadFile(filepath.Join(dir, "stderr"))

	return &localApplier{dir: dir, manifest: m, replay: replay}, true, nil
}

func (l *Local) Set(ctx context.Context, ref types.Ref, fingerprintDigest string, entries Entries) (SetResult, error) {
	if len(entries.Outputs) == 0 {
		return SetSkipped, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dir := l.entryDir(ref, fingerprintDigest)
	staging, err := fsutil.StagingDir(ref.PackageDir)
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(staging)

	m := manifest{Entries: make([]manifestEntry, 0, len(entries.Outputs))}
	for _, e := range entries.Outputs {
		me := manifestEntry{RelPath: e.RelPath, Type: int(e.Type), Mode: e.Mode}
		switch e.Type {
		case EntryDirectory:
			// nothing to store beyond the manifest row
		case EntrySymlink:
			me.Target = string(e.Content)
		default:
			blobPath := filepath.Join(staging, blobName(e.RelPath))
			if err := fsutil.WriteFileAtomic(blobPath, e.Content, os.FileMode(e.Mode|0644)); err != nil {
				return 0, err
			}
		}
		m.Entries = append(m.Entries, me)
	}

	if err := fsutil.WriteFileAtomic(filepath.Join(staging, "stdout"), entries.Replay.Stdout, 0644); err != nil {
		return 0, err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(staging, "stderr"), entries.Replay.Stderr, 0644); err != nil {
		return 0, err
	}
	manifestData, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(staging, "manifest.json"), manifestData, 0644); err != nil {
		return 0, err
	}

	// Atomically publish the whole entry by renaming the staging directory
	// into place, replacing any prior entry at the same digest.
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return 0, err
	}
	os.RemoveAll(dir)
	if err := os.Rename(staging, dir); err != nil {
		return 0, fmt.Errorf("cache: publish entry %s: %w", dir, err)
	}
	return SetOK, nil
}

// blobName maps a relative output path to a flat blob filename inside the
// staging directory, since relPath may contain subdirectories that would
// otherwise need to be recreated before the atomic rename.
func blobName(relPath string) string {
	return "blob-" + hashHex(relPath)
}

type localApplier struct {
	dir      string
	manifest manifest
	replay   Replay
}

func (a *localApplier) Replay() Replay { return a.replay }

func (a *localApplier) Apply(ctx context.Context, packageDir string) error {
	// Each regular file goes through fsutil.WriteFileAtomic, which writes
	// to a temp file next to dest and renames it into place, so a crash
	// mid-restore can never leave a partially-written individual file.
	// There is no whole-tree staging: a crash between entries can still
	// leave some outputs restored and others not.
	for _, e := range a.manifest.Entries {
		dest := filepath.Join(packageDir, filepath.FromSlash(e.RelPath))
		if !fsutil.WithinDir(packageDir, dest) {
			return fmt.Errorf("cache: entry %q escapes package directory", e.RelPath)
		}

		switch EntryType(e.Type) {
		case EntryDirectory:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
		case EntrySymlink:
			os.Remove(dest)
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			if err := os.Symlink(e.Target, dest); err != nil {
				return err
			}
		default:
			blobPath := filepath.Join(a.dir, blobName(e.RelPath))
			data, err := os.ReadFile(blobPath)
			if err != nil {
				return fmt.Errorf("cache: read blob for %s: %w", e.RelPath, err)
			}
			mode := os.FileMode(0644)
			if e.Mode != 0 {
				mode = os.FileMode(e.Mode)
			}
			if err := fsutil.WriteFileAtomic(dest, data, mode); err != nil {
				return err
			}
		}
	}
	return nil
}

// platformTag is the value Remote folds into EntryKey.
func platformTag() string { return runtime.GOOS + "/" + runtime.GOARCH }
