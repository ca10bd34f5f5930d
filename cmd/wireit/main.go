// Package main implements the wireit CLI entry point: it resolves the
// target script name, assembles EngineOptions from the environment,
// analyzes the manifest, and runs the analyzed graph once (or, with
// --watch, in a loop driven by file-system changes).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wireit/internal/analyzer"
	"wireit/internal/config"
	"wireit/internal/events"
	"wireit/internal/executor"
	"wireit/internal/fsutil"
	"wireit/internal/logging"
	"wireit/internal/manifest"
	"wireit/internal/types"
	"wireit/internal/watcher"
)

var (
	verbose   bool
	workspace string
	watchMode bool

	logger *zap.Logger
)

// bugError marks an unexpected (non-user-recoverable) failure, mapped to
// exit code 2 per spec.md §6, distinct from the known failures the
// executor/analyzer already report as events and map to exit code 1.
type bugError struct{ err error }

func (e *bugError) Error() string { return e.err.Error() }
func (e *bugError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "wireit [script] [-- extra-args...]",
	Short: "Wireit runs package-manager scripts incrementally, with caching and watch mode.",
	Args:  cobra.ArbitraryArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		if err := logging.Initialize(ws); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: runScript,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "package directory (default: current directory)")
	rootCmd.Flags().BoolVar(&watchMode, "watch", false, "re-run on every relevant file change")

	rootCmd.AddCommand(cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error to spec.md §6's exit codes: 0 on
// success (unreachable here, Execute already returned), 130 on interrupt,
// 2 on an unexpected bug, 1 on every known, user-visible failure.
func exitCodeFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	var be *bugError
	if errors.As(err, &be) {
		return 2
	}
	return 1
}

func runScript(cmd *cobra.Command, args []string) error {
	ws := workspace
	if ws == "" {
		ws, _ = os.Getwd()
	} else if abs, err := filepath.Abs(ws); err == nil {
		ws = abs
	}

	scriptName, extraArgs := resolveScript(args)
	if scriptName == "" {
		return fmt.Errorf("no script name given: pass one as an argument or set npm_lifecycle_event")
	}

	opts, err := config.FromEnv()
	if err != nil {
		return err
	}
	opts.ExtraArgs = extraArgs

	cacheBackend, err := buildCacheBackend(opts)
	if err != nil {
		return &bugError{err}
	}

	root := types.Ref{PackageDir: ws, Name: scriptName}
	bus := events.New()
	bus.Subscribe(newTerminalSubscriber(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	gate := fsutil.NewGate(opts.FileDescriptorBudget)

	if watchMode {
		w := watcher.New(root, manifest.NewReader(), bus, cacheBackend, gate, opts)
		err := w.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	reader := manifest.NewReader()
	a := analyzer.New(reader)
	graph, bag := a.Analyze(root)
	if bag.HasErrors() {
		for _, d := range bag.Items() {
			fmt.Fprintln(os.Stderr, d.String())
		}
		return fmt.Errorf("%d error(s) analyzing %s", len(bag.Items()), root)
	}

	ex := executor.New(graph, bus, cacheBackend, gate, opts, extraArgs)
	_, err = ex.Run(ctx, root)
	return err
}

// resolveScript implements spec.md §6's "sole positional argument or
// ${runner}_lifecycle_event convention": args[0], if present, is the
// script name and the rest are extra args; otherwise the script name
// comes from npm_lifecycle_event (set by npm/pnpm/yarn when they invoke
// a script's own command).
func resolveScript(args []string) (name string, extraArgs []string) {
	if len(args) > 0 {
		return args[0], args[1:]
	}
	return os.Getenv("npm_lifecycle_event"), nil
}
