package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEngineOptions(t *testing.T) {
	opts := DefaultEngineOptions()
	assert.Equal(t, FailureContinue, opts.Failures)
	assert.Equal(t, CacheLocal, opts.Cache)
	assert.Equal(t, LockWait, opts.LockMode)
	assert.True(t, opts.Parallelism > 0)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Run("WIREIT_FAILURES", func(t *testing.T) {
		t.Setenv("WIREIT_FAILURES", "kill")
		opts, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, FailureKill, opts.Failures)
	})

	t.Run("WIREIT_FAILURES invalid", func(t *testing.T) {
		t.Setenv("WIREIT_FAILURES", "explode")
		_, err := FromEnv()
		require.Error(t, err)
	})

	t.Run("WIREIT_PARALLEL integer", func(t *testing.T) {
		t.Setenv("WIREIT_PARALLEL", "1")
		opts, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, 1, opts.Parallelism)
	})

	t.Run("WIREIT_PARALLEL infinity", func(t *testing.T) {
		t.Setenv("WIREIT_PARALLEL", "Infinity")
		opts, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, Unbounded, opts.Parallelism)
	})

	t.Run("WIREIT_PARALLEL zero rejected", func(t *testing.T) {
		t.Setenv("WIREIT_PARALLEL", "0")
		_, err := FromEnv()
		require.Error(t, err)
	})

	t.Run("WIREIT_CACHE", func(t *testing.T) {
		t.Setenv("WIREIT_CACHE", "github")
		opts, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, CacheGitHub, opts.Cache)
	})

	t.Run("WIREIT_LOCK_MODE", func(t *testing.T) {
		t.Setenv("WIREIT_LOCK_MODE", "fail")
		opts, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, LockFail, opts.LockMode)
	})

	t.Run("WIREIT_MAX_OPEN_FILES", func(t *testing.T) {
		t.Setenv("WIREIT_MAX_OPEN_FILES", "64")
		opts, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, 64, opts.FileDescriptorBudget)
	})
}
