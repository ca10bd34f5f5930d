package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsidePackageDir is returned by DeleteOutputs when an output glob
// resolves outside the declaring package directory (spec.md invariant 5).
// The caller must treat this as a fatal config error surfaced before any
// deletion — DeleteOutputs itself checks every match before removing
// anything, so a partial deletion never happens.
type ErrOutsidePackageDir struct {
	PackageDir string
	Resolved   string
}

func (e *ErrOutsidePackageDir) Error() string {
	return fmt.Sprintf("output path %q resolves outside package directory %q", e.Resolved, e.PackageDir)
}

// DeleteOutputs removes the files, symlinks, and now-empty directories
// matched by output globs under packageDir. Symlinks are unlinked without
// following (the link's target is left untouched). Every match is
// validated to be inside packageDir before any removal begins.
func DeleteOutputs(packageDir string, outputGlobs []string) error {
	// ExpandGlobs walks a filesystem rooted at packageDir, so its matches
	// can never lie outside it; the patterns themselves are checked too.
	for _, g := range outputGlobs {
		if strings.HasPrefix(g, "!") {
			continue
		}
		resolved := filepath.Join(packageDir, filepath.FromSlash(g))
		if !WithinDir(packageDir, resolved) {
			return &ErrOutsidePackageDir{PackageDir: packageDir, Resolved: resolved}
		}
	}

	entries, err := ExpandGlobs(packageDir, outputGlobs)
	if err != nil {
		return err
	}

	for _, e := range entries {
		abs, err := filepath.Abs(e.AbsPath)
		if err != nil {
			return err
		}
		if !WithinDir(packageDir, abs) {
			return &ErrOutsidePackageDir{PackageDir: packageDir, Resolved: abs}
		}
	}

	// Remove deepest paths first so directory removal sees them empty.
	removeOrder := make([]Entry, len(entries))
	copy(removeOrder, entries)
	for i, j := 0, len(removeOrder)-1; i < j; i, j = i+1, j-1 {
		removeOrder[i], removeOrder[j] = removeOrder[j], removeOrder[i]
	}

	for _, e := range removeOrder {
		switch e.Type {
		case EntrySymlink:
			if err := os.Remove(e.AbsPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("fsutil: unlink %s: %w", e.AbsPath, err)
			}
		case EntryDirectory:
			// Only remove if now empty; a non-empty dir means something
			// not matched by the glob still lives there.
			entriesLeft, err := os.ReadDir(e.AbsPath)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return fmt.Errorf("fsutil: read dir %s: %w", e.AbsPath, err)
			}
			if len(entriesLeft) != 0 {
				continue
			}
			if err := os.Remove(e.AbsPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("fsutil: remove dir %s: %w", e.AbsPath, err)
			}
		default:
			if err := os.Remove(e.AbsPath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("fsutil: remove %s: %w", e.AbsPath, err)
			}
		}
	}
	return nil
}
