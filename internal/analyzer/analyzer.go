// Package analyzer resolves a root script reference into a validated,
// acyclic DAG of script configs, or a list of diagnostics explaining why
// it could not (spec.md §4.2).
package analyzer

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"wireit/internal/diagnostic"
	"wireit/internal/fsutil"
	"wireit/internal/manifest"
	"wireit/internal/types"
)

// Analyzer resolves manifests and builds the dependency DAG, memoizing
// already-analyzed script refs within one invocation.
type Analyzer struct {
	reader *manifest.Reader
	cache  map[types.Ref]*types.Config
}

// New creates an Analyzer backed by reader. Pass the same reader across
// watch-mode iterations so Invalidate/InvalidatePath calls on it are
// visible here too.
func New(reader *manifest.Reader) *Analyzer {
	return &Analyzer{reader: reader, cache: map[types.Ref]*types.Config{}}
}

// Reset drops the analyzer's own per-ref memoization, independent of the
// manifest reader's cache. Watch mode calls this alongside invalidating
// the reader whenever a manifest file changes.
func (a *Analyzer) Reset() {
	a.cache = map[types.Ref]*types.Config{}
}

// Graph is the result of a successful analysis: every reachable config,
// keyed by ref, plus the root.
type Graph struct {
	Root  types.Ref
	Nodes map[types.Ref]*types.Config
}

// Analyze resolves root and everything it transitively depends on. It
// always returns every diagnostic it can find; a non-empty Bag.HasErrors()
// means the graph is not safe to execute even if Graph is non-nil.
func (a *Analyzer) Analyze(root types.Ref) (*Graph, *diagnostic.Bag) {
	bag := &diagnostic.Bag{}
	nodes := map[types.Ref]*types.Config{}

	rootCfg := a.resolve(root, nil, nodes, bag)
	if rootCfg != nil && rootCfg.Kind == types.KindService {
		// A service named directly on the command line stays up until
		// aborted rather than being torn down once its consumers (if any)
		// finish, and an unexpected exit is a reportable failure rather
		// than expected teardown (spec.md §4.6).
		rootCfg.IsDirectlyInvoked = true
	}

	return &Graph{Root: root, Nodes: nodes}, bag
}

// resolve analyzes ref (and its dependencies) into nodes, recording
// diagnostics on bag. path is the active recursion chain in dependency
// order (root first), used both for cycle membership and to name the
// full cycle in a diagnostic; each recursive call passes its own extended
// copy, so it is never mutated in place.
func (a *Analyzer) resolve(ref types.Ref, path []types.Ref, nodes map[types.Ref]*types.Config, bag *diagnostic.Bag) *types.Config {
	if cfg, ok := a.cache[ref]; ok {
		nodes[ref] = cfg
		return cfg
	}
	if _, ok := nodes[ref]; ok {
		return nodes[ref]
	}

	if cycleStart := indexOfRef(path, ref); cycleStart != -1 {
		cycle := append(append([]types.Ref{}, path[cycleStart:]...), ref)
		bag.Add(diagnostic.Diagnostic{
			Severity: diagnostic.SeverityError,
			Reason:   "cycle",
			Message:  fmt.Sprintf("dependency cycle detected: %s", formatCycle(cycle)),
		})
		return nil
	}

	manifestPath := filepath.Join(ref.PackageDir, "package.json")
	res := a.reader.Get(manifestPath)
	if res.Missing {
		bag.Addf(diagnostic.SeverityError, "invalid-config", "manifest not found: %s", manifestPath)
		return nil
	}
	if res.SyntaxErr != nil {
		bag.Addf(diagnostic.SeverityError, "invalid-config", "manifest syntax error in %s: %v", manifestPath, res.SyntaxErr)
		return nil
	}

	scriptsNode := res.AST.Get("scripts")
	wireitNode := res.AST.Get("wireit")

	if scriptsNode != nil && scriptsNode.Kind != manifest.KindObject {
		bag.Addf(diagnostic.SeverityError, "invalid-config", "%s: \"scripts\" must be an object", manifestPath)
		return nil
	}
	if wireitNode != nil && wireitNode.Kind != manifest.KindObject {
		bag.Addf(diagnostic.SeverityError, "invalid-config", "%s: \"wireit\" must be an object", manifestPath)
		return nil
	}

	scriptCmdNode := scriptsNode.Get(ref.Name)
	wireitCfgNode := wireitNode.Get(ref.Name)

	if scriptCmdNode == nil && wireitCfgNode == nil {
		bag.Addf(diagnostic.SeverityError, "invalid-config", "%s: no script named %q", manifestPath, ref.Name)
		return nil
	}

	command, _ := scriptCmdNode.AsString()

	cfg := &types.Config{
		Ref:           ref,
		Command:       command,
		DeclaringFile: manifestPath,
	}
	if wireitCfgNode != nil {
		cfg.DeclaringLocation = diagnostic.Location{File: manifestPath, Offset: wireitCfgNode.Loc.Offset, Length: wireitCfgNode.Loc.Length}
	} else if scriptCmdNode != nil {
		cfg.DeclaringLocation = diagnostic.Location{File: manifestPath, Offset: scriptCmdNode.Loc.Offset, Length: scriptCmdNode.Loc.Length}
	}

	if wireitCfgNode == nil {
		// A plain npm-style script with no wireit config: treat it as a
		// standalone standard script with no declared files/output/deps.
		cfg.Kind = types.KindStandard
		nodes[ref] = cfg
		a.cache[ref] = cfg
		return cfg
	}

	if !validateWireitShape(manifestPath, ref.Name, wireitCfgNode, bag) {
		return nil
	}

	// With a wireit config, scripts[name] only hands control to wireit;
	// the command to run is the config's own "command" (absent = no-command).
	command, _ = wireitCfgNode.Get("command").AsString()
	cfg.Command = command

	serviceNode := wireitCfgNode.Get("service")
	switch {
	case serviceNode != nil && isTruthyService(serviceNode):
		cfg.Kind = types.KindService
		cfg.Readiness = parseReadiness(serviceNode)
	case command == "":
		cfg.Kind = types.KindNoCommand
	default:
		cfg.Kind = types.KindStandard
	}

	if filesNode := wireitCfgNode.Get("files"); filesNode != nil {
		cfg.FilesDefined = true
		cfg.Files = stringArray(filesNode)
	}
	if outputNode := wireitCfgNode.Get("output"); outputNode != nil {
		cfg.OutputDefined = true
		cfg.Output = stringArray(outputNode)
	}
	cfg.Clean = parseClean(wireitCfgNode.Get("clean"))
	if envNode := wireitCfgNode.Get("env"); envNode != nil {
		cfg.Env = stringArray(envNode)
	}

	depsNode := wireitCfgNode.Get("dependencies")
	edges, validRefs := a.resolveDependencies(ref, depsNode, bag)
	cfg.Dependencies = edges

	broken := false
	for _, depRef := range validRefs {
		depPath := append(append([]types.Ref{}, path...), ref)
		depCfg := a.resolve(depRef, depPath, nodes, bag)
		if depCfg == nil {
			broken = true
		}
	}
	if broken {
		return nil
	}

	nodes[ref] = cfg
	a.cache[ref] = cfg
	return cfg
}

func indexOfRef(path []types.Ref, ref types.Ref) int {
	for i, r := range path {
		if r == ref {
			return i
		}
	}
	return -1
}

// formatCycle renders a cycle's refs in dependency order as "a -> b -> a",
// naming every ref on the cycle per spec.md's cycle-diagnostic
// requirement, not just the one being re-visited.
func formatCycle(cycle []types.Ref) string {
	names := make([]string, len(cycle))
	for i, r := range cycle {
		names[i] = r.String()
	}
	return strings.Join(names, " -> ")
}

func isTruthyService(n *manifest.Node) bool {
	if b, ok := n.AsBool(); ok {
		return b
	}
	return n.Kind == manifest.KindObject
}

func parseReadiness(serviceNode *manifest.Node) types.Readiness {
	readyWhen := serviceNode.Get("readyWhen")
	if readyWhen == nil {
		return types.Readiness{Mode: types.ReadyOnSpawn}
	}
	if s, ok := readyWhen.AsString(); ok && s == "spawn" {
		return types.Readiness{Mode: types.ReadyOnSpawn}
	}
	if lineMatches := readyWhen.Get("line-matches"); lineMatches != nil {
		if pattern, ok := lineMatches.AsString(); ok {
			return types.Readiness{Mode: types.ReadyOnLineMatch, LineMatches: pattern}
		}
	}
	return types.Readiness{Mode: types.ReadyOnSpawn}
}

func parseClean(n *manifest.Node) types.CleanPolicy {
	if n == nil {
		return types.CleanAlways
	}
	if b, ok := n.AsBool(); ok {
		if b {
			return types.CleanAlways
		}
		return types.CleanNever
	}
	if s, ok := n.AsString(); ok && s == "if-file-deleted" {
		return types.CleanIfFileDeleted
	}
	return types.CleanAlways
}

func stringArray(n *manifest.Node) []string {
	if n == nil || n.Kind != manifest.KindArray {
		return nil
	}
	out := make([]string, 0, len(n.Array))
	for _, el := range n.Array {
		if s, ok := el.AsString(); ok {
			out = append(out, s)
		}
	}
	return out
}

func validateWireitShape(manifestPath, name string, cfgNode *manifest.Node, bag *diagnostic.Bag) bool {
	if cfgNode.Kind != manifest.KindObject {
		bag.Addf(diagnostic.SeverityError, "invalid-config", "%s: wireit.%s must be an object", manifestPath, name)
		return false
	}
	if cmd := cfgNode.Get("command"); cmd != nil && cmd.Kind != manifest.KindString {
		bag.Addf(diagnostic.SeverityError, "invalid-config", "%s: wireit.%s.command must be a string", manifestPath, name)
		return false
	}
	if cleanNode := cfgNode.Get("clean"); cleanNode != nil {
		_, isBool := cleanNode.AsBool()
		s, isStr := cleanNode.AsString()
		if !isBool && !(isStr && s == "if-file-deleted") {
			bag.Addf(diagnostic.SeverityError, "invalid-config", "%s: wireit.%s.clean must be a boolean or \"if-file-deleted\"", manifestPath, name)
			return false
		}
	}
	return true
}

var workspaceSpecifierRe = regexp.MustCompile(`^\$WORKSPACES(?::(.+))?$`)
var relativeSpecifierRe = regexp.MustCompile(`^(\.\.?/[^:]*):(.+)$`)

// resolveDependencies parses the dependencies array and resolves each
// specifier to one or more concrete refs, per spec.md §4.2 step 3.
func (a *Analyzer) resolveDependencies(owner types.Ref, depsNode *manifest.Node, bag *diagnostic.Bag) ([]types.DependencyEdge, []types.Ref) {
	if depsNode == nil {
		return nil, nil
	}
	if depsNode.Kind != manifest.KindArray {
		bag.Addf(diagnostic.SeverityError, "invalid-config", "%s: dependencies must be an array", owner)
		return nil, nil
	}

	var edges []types.DependencyEdge
	var refs []types.Ref

	for _, el := range depsNode.Array {
		var specifier string
		cascade := true
		extraArgs := false

		if s, ok := el.AsString(); ok {
			specifier = s
		} else if el.Kind == manifest.KindObject {
			if s, ok := el.Get("script").AsString(); ok {
				specifier = s
			}
			if b, ok := el.Get("cascade").AsBool(); ok {
				cascade = b
			}
			if b, ok := el.Get("extra-args-pass-through").AsBool(); ok {
				extraArgs = b
			}
		}
		if specifier == "" {
			bag.Addf(diagnostic.SeverityError, "invalid-config", "%s: invalid dependency entry", owner)
			continue
		}

		resolved := a.resolveSpecifier(owner, specifier, bag)
		for _, target := range resolved {
			edges = append(edges, types.DependencyEdge{Target: target, Cascade: cascade, ExtraArgsPassThrough: extraArgs})
			refs = append(refs, target)
		}
	}
	return edges, refs
}

func (a *Analyzer) resolveSpecifier(owner types.Ref, specifier string, bag *diagnostic.Bag) []types.Ref {
	if m := workspaceSpecifierRe.FindStringSubmatch(specifier); m != nil {
		name := m[1]
		if name == "" {
			name = owner.Name
		}
		return a.resolveWorkspaces(owner, name, bag)
	}
	if m := relativeSpecifierRe.FindStringSubmatch(specifier); m != nil {
		return []types.Ref{{PackageDir: filepath.Join(owner.PackageDir, m[1]), Name: m[2]}}
	}
	return []types.Ref{{PackageDir: owner.PackageDir, Name: specifier}}
}

// resolveWorkspaces expands $WORKSPACES[:name] via the owner package's
// declared workspaces globs, silently omitting members that do not
// declare the target script, per spec.md §4.2 step 3.
func (a *Analyzer) resolveWorkspaces(owner types.Ref, name string, bag *diagnostic.Bag) []types.Ref {
	manifestPath := filepath.Join(owner.PackageDir, "package.json")
	res := a.reader.Get(manifestPath)
	if res.AST == nil {
		return nil
	}
	wsNode := res.AST.Get("workspaces")
	globs := stringArray(wsNode)
	if len(globs) == 0 {
		bag.Addf(diagnostic.SeverityError, "invalid-config", "%s: $WORKSPACES used but no workspaces declared", manifestPath)
		return nil
	}

	entries, err := fsutil.ExpandGlobs(owner.PackageDir, globs)
	if err != nil {
		bag.Addf(diagnostic.SeverityError, "invalid-config", "%s: resolving workspaces: %v", manifestPath, err)
		return nil
	}

	var refs []types.Ref
	for _, e := range entries {
		if e.Type != fsutil.EntryDirectory {
			continue
		}
		memberManifest := filepath.Join(e.AbsPath, "package.json")
		memberRes := a.reader.Get(memberManifest)
		if memberRes.AST == nil {
			continue
		}
		hasScript := memberRes.AST.Get("scripts").Get(name) != nil || memberRes.AST.Get("wireit").Get(name) != nil
		if !hasScript {
			continue // silently omitted per spec
		}
		refs = append(refs, types.Ref{PackageDir: e.AbsPath, Name: name})
	}
	if len(refs) == 0 {
		bag.Addf(diagnostic.SeverityError, "invalid-config", "%s: no workspace package declares script %q", manifestPath, name)
	}
	return refs
}

// EffectiveServiceDependencies computes the transitive closure of service
// dependencies through non-service nodes for every node in g, per
// spec.md §4.2 step 5.
func EffectiveServiceDependencies(g *Graph) map[types.Ref][]types.Ref {
	memo := map[types.Ref][]types.Ref{}
	var visit func(ref types.Ref) []types.Ref
	visit = func(ref types.Ref) []types.Ref {
		if v, ok := memo[ref]; ok {
			return v
		}
		cfg := g.Nodes[ref]
		if cfg == nil {
			return nil
		}
		seen := map[types.Ref]bool{}
		var out []types.Ref
		add := func(r types.Ref) {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
		for _, edge := range cfg.Dependencies {
			dep := g.Nodes[edge.Target]
			if dep == nil {
				continue
			}
			if dep.Kind == types.KindService {
				add(edge.Target)
				continue
			}
			for _, transitive := range visit(edge.Target) {
				add(transitive)
			}
		}
		memo[ref] = out
		return out
	}
	for ref := range g.Nodes {
		visit(ref)
	}
	return memo
}
