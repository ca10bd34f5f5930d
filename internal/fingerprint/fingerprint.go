// Package fingerprint computes the deterministic digest summarizing every
// input that contributes to a script's output: its command, input files,
// environment variables, output declaration, and the fingerprints of its
// cascading dependencies (spec.md §4.3).
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"

	"wireit/internal/fsutil"
	"wireit/internal/types"
)

// absentEnvSentinel distinguishes an unset environment variable from one
// set to the empty string.
const absentEnvSentinel = "\x00wireit-env-absent\x00"

// fileDigest is one entry in the sorted file-digest list.
type fileDigest struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// envEntry is one entry in the ordered env-variable list.
type envEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// dependencyEntry is one entry in the sorted cascading-dependency list.
type dependencyEntry struct {
	Ref         string `json:"ref"`
	Fingerprint string `json:"fingerprint"`
}

// record is the canonical JSON-like fingerprint record described by
// spec.md §4.3. json.Marshal emits struct fields in declaration order;
// Files and Dependencies are sorted before marshaling, while Output and Env
// keep their declared order, so two calls with equivalent inputs always
// produce byte-identical output.
type record struct {
	Platform     string            `json:"platform"`
	Command      string            `json:"command"`
	Files        []fileDigest      `json:"files"`
	Clean        string            `json:"clean"`
	Output       []string          `json:"output"`
	Env          []envEntry        `json:"env"`
	Cacheable    bool              `json:"cacheable"`
	Dependencies []dependencyEntry `json:"dependencies"`
}

// Fingerprint is a computed fingerprint: its canonical string form and the
// SHA-256 digest of that string.
type Fingerprint struct {
	Cacheable bool
	String    string
	Digest    string
}

// Dependency carries a cascading dependency's already-computed fingerprint,
// keyed by its canonical ref string.
type Dependency struct {
	Ref types.Ref
	FP  Fingerprint
}

// Compute resolves cfg's files/env inputs against packageDir and produces
// its fingerprint, folding in the fingerprints of cascading dependencies.
// gate bounds concurrent open file descriptors (spec.md §5).
func Compute(ctx context.Context, packageDir string, cfg *types.Config, deps []Dependency, gate *fsutil.Gate) (Fingerprint, error) {
	cacheable := cfg.FilesDefined
	depEntries := make([]dependencyEntry, 0, len(deps))
	for _, d := range deps {
		depEntries = append(depEntries, dependencyEntry{Ref: d.Ref.String(), Fingerprint: d.FP.String})
		if !d.FP.Cacheable {
			cacheable = false
		}
	}
	sort.Slice(depEntries, func(i, j int) bool { return depEntries[i].Ref < depEntries[j].Ref })

	var files []fileDigest
	if cfg.FilesDefined {
		digests, err := digestFiles(ctx, packageDir, cfg.Files, gate)
		if err != nil {
			return Fingerprint{}, err
		}
		files = digests
	} else {
		files = []fileDigest{}
	}

	env := make([]envEntry, 0, len(cfg.Env))
	for _, name := range cfg.Env {
		v, ok := os.LookupEnv(name)
		if !ok {
			v = absentEnvSentinel
		}
		env = append(env, envEntry{Name: name, Value: v})
	}

	command := cfg.Command
	if cfg.Kind == types.KindNoCommand {
		command = "none"
	}

	output := cfg.Output
	if output == nil {
		output = []string{}
	}

	rec := record{
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		Command:      command,
		Files:        files,
		Clean:        string(cfg.Clean),
		Output:       output,
		Env:          env,
		Cacheable:    cacheable,
		Dependencies: depEntries,
	}

	serialized, err := json.Marshal(rec)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint: marshal record for %s: %w", cfg.Ref, err)
	}
	sum := sha256.Sum256(serialized)

	return Fingerprint{
		Cacheable: cacheable,
		String:    string(serialized),
		Digest:    hex.EncodeToString(sum[:]),
	}, nil
}

func digestFiles(ctx context.Context, packageDir string, globs []string, gate *fsutil.Gate) ([]fileDigest, error) {
	entries, err := fsutil.ExpandGlobs(packageDir, globs)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: expand globs: %w", err)
	}

	digests := make([]fileDigest, 0, len(entries))
	for _, e := range entries {
		if e.Type == fsutil.EntryDirectory {
			continue
		}
		sum, err := digestOne(ctx, e.AbsPath, gate)
		if err != nil {
			return nil, fmt.Errorf("fingerprint: digest %s: %w", e.RelPath, err)
		}
		path := e.RelPath
		if e.Type == fsutil.EntrySymlink {
			// Include the link path itself alongside the resolved content
			// digest, per spec.md testable property 11.
			if target, err := os.Readlink(e.AbsPath); err == nil {
				path = e.RelPath + "\x00-> " + target
			}
		}
		digests = append(digests, fileDigest{Path: path, SHA256: sum})
	}

	sort.Slice(digests, func(i, j int) bool { return digests[i].Path < digests[j].Path })
	return digests, nil
}

// digestOne streams path's content (following symlinks to their target)
// through SHA-256, bounded by gate's file-descriptor budget.
func digestOne(ctx context.Context, path string, gate *fsutil.Gate) (string, error) {
	release, err := gate.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
