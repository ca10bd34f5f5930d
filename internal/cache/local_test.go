package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wireit/internal/types"
)

func TestLocal_MissThenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ref := types.Ref{PackageDir: dir, Name: "build"}
	l := NewLocal()
	ctx := context.Background()

	_, ok, err := l.Get(ctx, ref, "digest-1")
	require.NoError(t, err)
	require.False(t, ok, "no entry should exist yet")

	entries := Entries{
		Outputs: []OutputEntry{
			{RelPath: "out/result.txt", Type: EntryFile, Content: []byte("built v1")},
			{RelPath: "out", Type: EntryDirectory},
		},
		Replay: Replay{Stdout: []byte("building...\n")},
	}
	res, err := l.Set(ctx, ref, "digest-1", entries)
	require.NoError(t, err)
	require.Equal(t, SetOK, res)

	applier, ok, err := l.Get(ctx, ref, "digest-1")
	require.NoError(t, err)
	require.True(t, ok)

	restoreDir := t.TempDir()
	require.NoError(t, applier.Apply(ctx, restoreDir))

	data, err := os.ReadFile(filepath.Join(restoreDir, "out", "result.txt"))
	require.NoError(t, err)
	require.Equal(t, "built v1", string(data))
	require.Equal(t, "building...\n", string(applier.Replay().Stdout))
}

func TestLocal_SetSkipsEmptyEntrySet(t *testing.T) {
	dir := t.TempDir()
	ref := types.Ref{PackageDir: dir, Name: "build"}
	l := NewLocal()

	res, err := l.Set(context.Background(), ref, "digest-1", Entries{})
	require.NoError(t, err)
	require.Equal(t, SetSkipped, res)
}

func TestLocal_ApplyRejectsEscapingEntry(t *testing.T) {
	dir := t.TempDir()
	ref := types.Ref{PackageDir: dir, Name: "build"}
	l := NewLocal()
	ctx := context.Background()

	entries := Entries{
		Outputs: []OutputEntry{
			{RelPath: "../escape.txt", Type: EntryFile, Content: []byte("nope")},
		},
	}
	_, err := l.Set(ctx, ref, "digest-1", entries)
	require.NoError(t, err)

	applier, ok, err := l.Get(ctx, ref, "digest-1")
	require.NoError(t, err)
	require.True(t, ok)

	err = applier.Apply(ctx, t.TempDir())
	require.Error(t, err)
}

func TestEntryKey_DiffersAcrossScriptsAndPlatforms(t *testing.T) {
	refA := types.Ref{PackageDir: "/pkg", Name: "build"}
	refB := types.Ref{PackageDir: "/pkg", Name: "test"}

	require.NotEqual(t, EntryKey(refA, "d", "linux/amd64"), EntryKey(refB, "d", "linux/amd64"))
	require.NotEqual(t, EntryKey(refA, "d", "linux/amd64"), EntryKey(refA, "d", "darwin/arm64"))
}
