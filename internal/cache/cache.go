// Package cache implements the content-addressed output cache: a uniform
// get/set interface over a local filesystem backend and a remote
// GitHub-Actions-style blob backend (spec.md §4.5).
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"wireit/internal/types"
)

// EntryType mirrors fsutil.EntryType for the narrow set of dirent kinds a
// cache entry can restore.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDirectory
	EntrySymlink
)

// OutputEntry describes one file system object captured for (or restored
// from) a cache entry.
type OutputEntry struct {
	// RelPath is package-relative, slash-separated.
	RelPath string
	Type    EntryType
	// Content holds the file's bytes (EntryFile) or symlink target
	// (EntrySymlink). Empty for EntryDirectory.
	Content []byte
	// Mode is the best-effort POSIX permission bits; backends may ignore it.
	Mode uint32
}

// Replay holds captured stdout/stderr to re-emit on a cache hit, so a
// restored run still prints what the original run printed.
type Replay struct {
	Stdout []byte
	Stderr []byte
}

// Entries is the full payload of a cache entry: outputs plus replay
// buffers.
type Entries struct {
	Outputs []OutputEntry
	Replay  Replay
}

// SetResult distinguishes a successful store from a backend's benign
// decision not to store.
type SetResult int

const (
	SetOK SetResult = iota
	SetSkipped
)

// Applier, when invoked, writes a cache entry's outputs into a package
// directory.
type Applier interface {
	Apply(ctx context.Context, packageDir string) error
	// Replay returns the captured stdout/stderr to re-emit on the event
	// bus after a successful Apply.
	Replay() Replay
}

// Backend is the uniform interface both the local and remote caches
// satisfy. Entries are keyed by package directory, script name and
// fingerprint digest (the digest already covers the platform), so they
// never collide across OSes or scripts.
type Backend interface {
	Get(ctx context.Context, ref types.Ref, fingerprintDigest string) (Applier, bool, error)
	Set(ctx context.Context, ref types.Ref, fingerprintDigest string, entries Entries) (SetResult, error)
}

// hashHex returns a short, filesystem-safe hash of s, used to flatten
// nested relative paths into single blob filenames.
func hashHex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}

// EntryKey computes the cache-entry key mandated by spec.md §4.5:
// hash(packageDir + script + fingerprintDigest + platformTag). Remote
// uses it as the service-side key; Local keys by its directory layout
// (<packageDir>/.wireit/cache/<script>/<digest>) instead.
func EntryKey(ref types.Ref, fingerprintDigest, platformTag string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", ref.PackageDir, ref.Name, fingerprintDigest, platformTag)
	return hex.EncodeToString(h.Sum(nil))
}
