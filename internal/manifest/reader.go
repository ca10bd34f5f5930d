// Package manifest reads a package-manager manifest file (package.json and
// siblings), parses its JSON with byte offsets retained, and caches the
// parsed result keyed by absolute path — so the analyzer can re-resolve the
// same package repeatedly within one invocation for free.
package manifest

import (
	"fmt"
	"os"
	"sync"

	"github.com/tailscale/hujson"
)

// Result is what Get returns: exactly one of AST, Missing, or SyntaxErr is
// populated, mirroring spec.md §4.1's "file-missing and syntax errors are
// returned as values (never thrown)".
type Result struct {
	AST       *Node
	Missing   bool
	SyntaxErr error
	// SourceText is the original file bytes. Every Node.Loc offset in AST
	// is a byte offset into this slice, not into any intermediate buffer.
	SourceText []byte
}

// Overlay lets an editor-integration collaborator supply in-memory manifest
// contents instead of reading from disk (spec.md §4.1).
type Overlay interface {
	// Read returns overlay bytes for path and true if an overlay exists.
	Read(path string) ([]byte, bool)
}

// Reader parses and caches manifests by absolute path.
type Reader struct {
	mu      sync.Mutex
	cache   map[string]Result
	overlay Overlay
}

// NewReader creates a Reader with no overlay; SetOverlay wires one in for
// editor-integration use.
func NewReader() *Reader {
	return &Reader{cache: make(map[string]Result)}
}

func (r *Reader) SetOverlay(o Overlay) { r.overlay = o }

// Get returns the parsed manifest AST for path, a file-missing result, or a
// syntax-error result — whichever applies — using the cached parse if one
// exists. Watch mode invalidates the cache wholesale via Invalidate before
// re-analyzing, rather than Get re-parsing unconditionally.
func (r *Reader) Get(path string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[path]; ok {
		return cached
	}

	var raw []byte
	if r.overlay != nil {
		if data, ok := r.overlay.Read(path); ok {
			raw = data
		}
	}
	if raw == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				res := Result{Missing: true}
				r.cache[path] = res
				return res
			}
			res := Result{SyntaxErr: fmt.Errorf("read %s: %w", path, err)}
			r.cache[path] = res
			return res
		}
		raw = data
	}

	// hujson does the real JWCC validation, so a comment or trailing comma
	// it can't make sense of is reported with its own parse error. Its
	// standardized output isn't used beyond that check: Standardize
	// shortens the buffer wherever it removes a comment or comma, which
	// shifts every later byte off its true position in raw. Parsing is
	// instead done over blankTrivia(raw), our own same-length stand-in that
	// overwrites comments and trailing commas with spaces, so offsets the
	// resulting AST reports line up with the original file (see trivia.go).
	if _, err := hujson.Standardize(raw); err != nil {
		res := Result{SyntaxErr: fmt.Errorf("parse %s: %w", path, err)}
		r.cache[path] = res
		return res
	}

	ast, err := parseNodes(blankTrivia(raw))
	if err != nil {
		res := Result{SyntaxErr: fmt.Errorf("parse %s: %w", path, err)}
		r.cache[path] = res
		return res
	}

	res := Result{AST: ast, SourceText: raw}
	r.cache[path] = res
	return res
}

// Invalidate drops the entire parse cache. Called by watch mode before
// re-analyzing after a manifest-file change.
func (r *Reader) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Result)
}

// InvalidatePath drops a single cached path. The watcher does not call it;
// it drops the whole cache with Invalidate on every change.
func (r *Reader) InvalidatePath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, path)
}
