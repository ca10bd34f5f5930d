package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// EntryType is the dirent kind preserved across cache round-trips.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDirectory
	EntrySymlink
)

// Entry is one glob match, resolved to an absolute path alongside its
// package-relative path and file-type metadata.
type Entry struct {
	AbsPath string
	RelPath string // slash-separated, relative to the base directory
	Type    EntryType
}

// ExpandGlobs resolves patterns relative to dir into a deterministic,
// sorted list of absolute entries. Negation ("!pattern") re-adds or
// re-removes entries in pattern order, matching spec.md §4.3's
// order-sensitive semantics. Dotfiles are matched like any other name.
func ExpandGlobs(dir string, patterns []string) ([]Entry, error) {
	fsys := os.DirFS(dir)
	matched := make(map[string]bool)
	order := []string{}

	for _, pattern := range patterns {
		negate := strings.HasPrefix(pattern, "!")
		p := pattern
		if negate {
			p = strings.TrimPrefix(pattern, "!")
		}

		names, err := doublestar.Glob(fsys, p)
		if err != nil {
			return nil, err
		}

		for _, name := range names {
			if negate {
				delete(matched, name)
				continue
			}
			if !matched[name] {
				order = append(order, name)
			}
			matched[name] = true
		}
	}

	entries := make([]Entry, 0, len(matched))
	for _, name := range order {
		if !matched[name] {
			continue // removed by a later negation, or already emitted
		}
		delete(matched, name) // a name re-added after a negation appears in order twice
		absPath := filepath.Join(dir, filepath.FromSlash(name))
		info, err := os.Lstat(absPath)
		if err != nil {
			continue // matched then deleted out from under us; skip
		}
		entries = append(entries, Entry{
			AbsPath: absPath,
			RelPath: name,
			Type:    entryType(info),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, nil
}

func entryType(info os.FileInfo) EntryType {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return EntrySymlink
	case info.IsDir():
		return EntryDirectory
	default:
		return EntryFile
	}
}

// WithinDir reports whether abs (assumed cleaned/absolute) is contained
// within dir, used to enforce output hermeticity (spec.md invariant 5):
// output globs must resolve strictly inside the declaring package
// directory.
func WithinDir(dir, abs string) bool {
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..") && rel != ".."
}
