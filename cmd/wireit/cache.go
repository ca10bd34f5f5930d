package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"wireit/internal/cache"
	"wireit/internal/config"
	"wireit/internal/types"
)

var cacheCleanTTL time.Duration

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or maintain wireit's local cache",
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete local cache entries older than --ttl",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		} else if abs, err := filepath.Abs(ws); err == nil {
			ws = abs
		}
		n, err := cleanLocalCache(filepath.Join(ws, ".wireit", "cache"), cacheCleanTTL)
		if err != nil {
			return &bugError{err}
		}
		fmt.Printf("removed %d stale cache entr%s\n", n, plural(n))
		return nil
	},
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func init() {
	cacheCleanCmd.Flags().DurationVar(&cacheCleanTTL, "ttl", 7*24*time.Hour, "remove entries not written in longer than this")
	cacheCmd.AddCommand(cacheCleanCmd)
}

// cleanLocalCache removes every cache entry directory under cacheRoot
// (<package>/.wireit/cache/<script>/<digest>/) whose manifest.json has
// not been modified within ttl, supplementing spec.md §4.5's get/set pair
// with the companion operation a content-addressed store that can only
// grow is missing (see DESIGN.md).
func cleanLocalCache(cacheRoot string, ttl time.Duration) (int, error) {
	scriptDirs, err := os.ReadDir(cacheRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0

	for _, scriptDir := range scriptDirs {
		if !scriptDir.IsDir() {
			continue
		}
		scriptPath := filepath.Join(cacheRoot, scriptDir.Name())
		digestDirs, err := os.ReadDir(scriptPath)
		if err != nil {
			continue
		}
		for _, digestDir := range digestDirs {
			if !digestDir.IsDir() {
				continue
			}
			entryPath := filepath.Join(scriptPath, digestDir.Name())
			info, err := os.Stat(filepath.Join(entryPath, "manifest.json"))
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.RemoveAll(entryPath); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// noneCache is the cache.Backend used when WIREIT_CACHE=none: every
// lookup misses and every store is skipped, so the executor always
// spawns, never restores, and never writes a cache entry.
type noneCache struct{}

func (noneCache) Get(ctx context.Context, ref types.Ref, digest string) (cache.Applier, bool, error) {
	return nil, false, nil
}

func (noneCache) Set(ctx context.Context, ref types.Ref, digest string, entries cache.Entries) (cache.SetResult, error) {
	return cache.SetSkipped, nil
}

// buildCacheBackend wires opts.Cache to a concrete cache.Backend.
func buildCacheBackend(opts config.EngineOptions) (cache.Backend, error) {
	switch opts.Cache {
	case config.CacheNone:
		return noneCache{}, nil
	case config.CacheGitHub:
		return resolveGitHubCache(opts)
	default:
		return cache.NewLocal(), nil
	}
}

// custodianCredentials is the JSON shape vended by the sidecar service
// named by WIREIT_CACHE_GITHUB_CUSTODIAN_PORT, per spec.md §6.
type custodianCredentials struct {
	Version string `json:"version"`
	Caching struct {
		GitHub struct {
			ActionsResultsURL string `json:"ACTIONS_RESULTS_URL"`
			ActionsCacheURL   string `json:"ACTIONS_CACHE_URL"`
			ActionsRuntimeToken string `json:"ACTIONS_RUNTIME_TOKEN"`
		} `json:"github"`
	} `json:"caching"`
}

// resolveGitHubCache builds the remote cache backend, fetching tunneled
// credentials from the custodian sidecar when configured, or falling
// back to the ACTIONS_* environment variables a GitHub Actions runner
// already sets.
func resolveGitHubCache(opts config.EngineOptions) (cache.Backend, error) {
	baseURL := os.Getenv("ACTIONS_CACHE_URL")
	if baseURL == "" {
		baseURL = os.Getenv("ACTIONS_RESULTS_URL")
	}
	token := os.Getenv("ACTIONS_RUNTIME_TOKEN")

	if opts.GitHubCustodianPort != 0 {
		creds, err := fetchCustodianCredentials(opts.GitHubCustodianPort)
		if err != nil {
			return nil, fmt.Errorf("fetching cache credentials from custodian: %w", err)
		}
		if creds.Caching.GitHub.ActionsCacheURL != "" {
			baseURL = creds.Caching.GitHub.ActionsCacheURL
		} else {
			baseURL = creds.Caching.GitHub.ActionsResultsURL
		}
		token = creds.Caching.GitHub.ActionsRuntimeToken
	}

	if baseURL == "" || token == "" {
		return nil, fmt.Errorf("WIREIT_CACHE=github requires ACTIONS_CACHE_URL/ACTIONS_RESULTS_URL and ACTIONS_RUNTIME_TOKEN (directly or via the custodian sidecar)")
	}

	os.Setenv("WIREIT_ACTIONS_RUNTIME_TOKEN", token)
	return cache.NewRemote(baseURL, "WIREIT_ACTIONS_RUNTIME_TOKEN"), nil
}

func fetchCustodianCredentials(port int) (custodianCredentials, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return custodianCredentials{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return custodianCredentials{}, fmt.Errorf("custodian returned %s", resp.Status)
	}
	var creds custodianCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return custodianCredentials{}, fmt.Errorf("decoding custodian response: %w", err)
	}
	return creds, nil
}
