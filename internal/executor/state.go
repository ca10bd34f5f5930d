package executor

import (
	"encoding/json"
	"os"
	"path/filepath"

	"wireit/internal/cache"
	"wireit/internal/fsutil"
	"wireit/internal/types"
)

// persistedState is the previous-run record kept at
// <package>/.wireit/state/<script-name>: the previous fingerprint digest,
// whether it was cacheable, the replay buffers captured alongside it, and
// the input file list used by the "if-file-deleted" clean policy.
type persistedState struct {
	Digest     string   `json:"digest"`
	Cacheable  bool     `json:"cacheable"`
	Stdout     []byte   `json:"stdout,omitempty"`
	Stderr     []byte   `json:"stderr,omitempty"`
	InputFiles []string `json:"inputFiles,omitempty"`
}

func statePath(ref types.Ref) string {
	return filepath.Join(ref.PackageDir, ".wireit", "state", ref.Name)
}

func readState(ref types.Ref) (persistedState, bool) {
	data, err := os.ReadFile(statePath(ref))
	if err != nil {
		return persistedState{}, false
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return persistedState{}, false
	}
	return st, true
}

// writeState persists st for ref, recording cfg's currently-matched input
// files so a later run's CleanIfFileDeleted check has something to
// compare against.
func writeState(ref types.Ref, cfg *types.Config, st persistedState) error {
	if cfg.FilesDefined {
		if entries, err := fsutil.ExpandGlobs(ref.PackageDir, cfg.Files); err == nil {
			for _, e := range entries {
				st.InputFiles = append(st.InputFiles, filepath.Join(ref.PackageDir, filepath.FromSlash(e.RelPath)))
			}
		}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(statePath(ref), data, 0644)
}

func anyMissing(packageDir string, paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return true
		}
	}
	return false
}

// buildCacheEntries walks cfg's declared output globs and captures each
// matched file/directory/symlink into a cache.Entries ready for
// cache.Backend.Set, alongside the run's captured replay buffers.
func buildCacheEntries(ref types.Ref, cfg *types.Config, stdout, stderr []byte) (cache.Entries, error) {
	if !cfg.OutputDefined {
		return cache.Entries{Replay: cache.Replay{Stdout: stdout, Stderr: stderr}}, nil
	}

	matches, err := fsutil.ExpandGlobs(ref.PackageDir, cfg.Output)
	if err != nil {
		return cache.Entries{}, err
	}

	outputs := make([]cache.OutputEntry, 0, len(matches))
	for _, m := range matches {
		entry := cache.OutputEntry{RelPath: m.RelPath}
		switch m.Type {
		case fsutil.EntryDirectory:
			entry.Type = cache.EntryDirectory
		case fsutil.EntrySymlink:
			target, err := os.Readlink(m.AbsPath)
			if err != nil {
				return cache.Entries{}, err
			}
			entry.Type = cache.EntrySymlink
			entry.Content = []byte(target)
		default:
			data, err := os.ReadFile(m.AbsPath)
			if err != nil {
				return cache.Entries{}, err
			}
			info, err := os.Stat(m.AbsPath)
			if err == nil {
				entry.Mode = uint32(info.Mode().Perm())
			}
			entry.Type = cache.EntryFile
			entry.Content = data
		}
		outputs = append(outputs, entry)
	}

	return cache.Entries{Outputs: outputs, Replay: cache.Replay{Stdout: stdout, Stderr: stderr}}, nil
}
