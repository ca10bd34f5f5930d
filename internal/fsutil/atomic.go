package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteFileAtomic writes data to path by first writing to a sibling
// temporary file and renaming it into place, so a crash mid-write never
// leaves a half-written file at path. Used for persisted fingerprints and
// cache indexes (spec.md §4.4 step i, §4.5).
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("fsutil: mkdir %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, ".wireit-tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("fsutil: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fsutil: rename into place: %w", err)
	}
	return nil
}

// StagingDir creates and returns a fresh temporary directory under
// base/.wireit-staging, for use as the rename-into-place target of a
// multi-file restore (cache apply) or store (cache set) operation.
func StagingDir(base string) (string, error) {
	root := filepath.Join(base, ".wireit-staging")
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", err
	}
	dir := filepath.Join(root, uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
