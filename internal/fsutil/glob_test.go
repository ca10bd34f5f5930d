package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandGlobs_NegationOrderSensitive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".dotfile"), []byte("d"), 0644))

	entries, err := ExpandGlobs(dir, []string{"*.txt", "!a.txt"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b.txt", entries[0].RelPath)

	// A later positive pattern re-adds what an earlier negation removed.
	entries, err = ExpandGlobs(dir, []string{"*.txt", "!a.txt", "a.txt"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestExpandGlobs_MatchesDotfiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("x"), 0644))

	entries, err := ExpandGlobs(dir, []string{"*"})
	require.NoError(t, err)

	found := false
	for _, e := range entries {
		if e.RelPath == ".env" {
			found = true
		}
	}
	require.True(t, found, "expected dotfile to be matched")
}

func TestDeleteOutputs_RemovesSymlinkNotTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	require.NoError(t, os.WriteFile(target, []byte("keep me"), 0644))

	link := filepath.Join(dir, "link.txt")
	require.NoError(t, os.Symlink(target, link))

	require.NoError(t, DeleteOutputs(dir, []string{"link.txt"}))

	_, err := os.Lstat(link)
	require.True(t, os.IsNotExist(err), "symlink should be removed")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "keep me", string(data))
}

func TestDeleteOutputs_RejectsOutsidePackageDir(t *testing.T) {
	parent := t.TempDir()
	pkg := filepath.Join(parent, "pkg")
	require.NoError(t, os.MkdirAll(pkg, 0755))

	outside := filepath.Join(parent, "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("untouched"), 0644))

	err := DeleteOutputs(pkg, []string{"../outside.txt"})
	require.Error(t, err)

	_, statErr := os.Stat(outside)
	require.NoError(t, statErr, "outside file must survive a rejected clean")
}
