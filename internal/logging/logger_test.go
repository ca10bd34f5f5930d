package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitialize_NoOpWithoutDebugMode(t *testing.T) {
	t.Setenv("WIREIT_DEBUG", "")
	defer CloseAll()

	ws := t.TempDir()
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := os.Stat(filepath.Join(ws, ".wireit", "logs")); err == nil {
		t.Fatal("expected no logs directory when WIREIT_DEBUG is unset")
	}

	Executor("should be a no-op")
}

func TestInitialize_CreatesLogFile(t *testing.T) {
	t.Setenv("WIREIT_DEBUG", "1")
	defer CloseAll()

	ws := t.TempDir()
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Executor("hello %d", 1)

	entries, err := os.ReadDir(filepath.Join(ws, ".wireit", "logs"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, e := range entries {
		if filepath := e.Name(); len(filepath) > 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected at least one log file")
	}
}

func TestIsCategoryEnabled_Allowlist(t *testing.T) {
	t.Setenv("WIREIT_DEBUG", "1")
	t.Setenv("WIREIT_LOG_CATEGORIES", "executor,cache")
	defer CloseAll()

	if err := Initialize(t.TempDir()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if !IsCategoryEnabled(CategoryExecutor) {
		t.Error("expected executor category enabled")
	}
	if IsCategoryEnabled(CategoryWatcher) {
		t.Error("expected watcher category disabled by allowlist")
	}
}
