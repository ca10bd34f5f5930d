package cache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wireit/internal/types"
)

// fakeGitHubCache emulates just enough of the reserve/upload/commit/lookup
// protocol for Remote's round trip to exercise real HTTP requests.
func fakeGitHubCache(t *testing.T) (*httptest.Server, *[]byte) {
	t.Helper()
	var stored []byte
	var archiveURL string

	mux := http.NewServeMux()
	mux.HandleFunc("/_apis/artifactcache/caches", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"cacheId": 1})
		}
	})
	mux.HandleFunc("/_apis/artifactcache/caches/1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			stored = append(stored, body...)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPost:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/_apis/artifactcache/cache", func(w http.ResponseWriter, r *http.Request) {
		if len(stored) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"archiveLocation": archiveURL})
	})
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		w.Write(stored)
	})

	srv := httptest.NewServer(mux)
	archiveURL = srv.URL + "/download"
	return srv, &stored
}

func TestRemote_SetThenGetRoundTrip(t *testing.T) {
	srv, _ := fakeGitHubCache(t)
	defer srv.Close()

	t.Setenv("WIREIT_TEST_TOKEN", "secret-token")
	r := NewRemote(srv.URL, "WIREIT_TEST_TOKEN")
	ctx := context.Background()
	ref := types.Ref{PackageDir: "/pkg", Name: "build"}

	entries := Entries{
		Outputs: []OutputEntry{
			{RelPath: "dist/bundle.js", Type: EntryFile, Content: []byte("console.log(1)")},
		},
		Replay: Replay{Stdout: []byte("bundled\n")},
	}

	res, err := r.Set(ctx, ref, "digest-1", entries)
	require.NoError(t, err)
	require.Equal(t, SetOK, res)

	applier, ok, err := r.Get(ctx, ref, "digest-1")
	require.NoError(t, err)
	require.True(t, ok)

	restoreDir := t.TempDir()
	require.NoError(t, applier.Apply(ctx, restoreDir))

	data, err := os.ReadFile(filepath.Join(restoreDir, "dist", "bundle.js"))
	require.NoError(t, err)
	require.Equal(t, "console.log(1)", string(data))
}

func TestRemote_SetSkipsEmptyEntrySet(t *testing.T) {
	r := NewRemote("http://unused.invalid", "WIREIT_TEST_TOKEN")
	res, err := r.Set(context.Background(), types.Ref{PackageDir: "/pkg", Name: "build"}, "d", Entries{})
	require.NoError(t, err)
	require.Equal(t, SetSkipped, res)
}
