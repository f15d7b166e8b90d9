package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/treesync/internal/config"
	"github.com/schaermu/treesync/internal/report"
	"github.com/schaermu/treesync/internal/snapshot"
	"github.com/schaermu/treesync/internal/state"
	"github.com/schaermu/treesync/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	verbose   int
	statePath string
	jsonOut   string
	workers   int
	excludes  []string
	includes  []string

	// Command flags
	overwrite bool
	dryRun    bool
)

// errUnreadable makes the process exit non-zero after the result was printed
var errUnreadable = errors.New("some entries could not be read")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "treesync",
	Short: "Snapshot a directory tree and compute the operations to sync another tree to it",
	Long: `treesync captures a content-addressed snapshot of a reference directory tree
and later diffs a target tree against it, emitting the minimal list of
create, copy, move and delete operations that make the target match.

The reference tree does not need to be reachable at diff time: only the
persisted snapshot is read.`,
	SilenceUsage: true,
}

var captureCmd = &cobra.Command{
	Use:   "capture <reference>",
	Short: "Snapshot the reference tree and persist it",
	Long: `Capture walks and hashes the reference tree and saves the snapshot to the
configured state location. An existing state is only replaced with --overwrite.

A reference with unreadable entries is never saved.`,
	Args: cobra.ExactArgs(1),
	RunE: runCapture,
}

var diffCmd = &cobra.Command{
	Use:   "diff <target>",
	Short: "Diff the target tree against the persisted reference",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

var runCmd = &cobra.Command{
	Use:   "run <target>",
	Short: "Capture the tree when no reference exists yet, diff it otherwise",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuto,
}

var applyCmd = &cobra.Command{
	Use:   "apply <reference> <target>",
	Short: "Sync the target tree to the reference tree",
	Long: `Apply scans both trees, diffs them in memory and applies the operations to
the target. Copied content is verified against the reference digest.`,
	Args: cobra.ExactArgs(2),
	RunE: runApply,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "treesync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		_, _ = fmt.Fprintf(out, "  state:  %s\n", snapshot.FormatVersion)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/treesync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides -v")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "log phase timings (-v) or per-file hashing (-vv)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "state location, a file path or s3://bucket/key (overrides state.path)")
	rootCmd.PersistentFlags().StringVar(&jsonOut, "json", "", "also write the result as JSON to this path (- for stdout)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "hashing workers (overrides hash.workers)")
	rootCmd.PersistentFlags().StringArrayVar(&excludes, "exclude", nil, "exclude paths matching this pattern (repeatable)")
	rootCmd.PersistentFlags().StringArrayVar(&includes, "include", nil, "re-admit excluded paths matching this pattern (repeatable)")

	captureCmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing reference state")
	applyCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(versionCmd)
}

func runCapture(cmd *cobra.Command, args []string) error {
	return execute(cmd, true, func(ctx context.Context, engine *sync.Engine) (*sync.Result, error) {
		return engine.Capture(ctx, args[0], overwrite)
	})
}

func runDiff(cmd *cobra.Command, args []string) error {
	return execute(cmd, true, func(ctx context.Context, engine *sync.Engine) (*sync.Result, error) {
		return engine.Diff(ctx, args[0])
	})
}

func runAuto(cmd *cobra.Command, args []string) error {
	return execute(cmd, true, func(ctx context.Context, engine *sync.Engine) (*sync.Result, error) {
		return engine.Run(ctx, args[0])
	})
}

func runApply(cmd *cobra.Command, args []string) error {
	return execute(cmd, false, func(ctx context.Context, engine *sync.Engine) (*sync.Result, error) {
		return engine.Apply(ctx, args[0], args[1], dryRun)
	})
}

// execute wires config, logger and engine, runs fn and emits its result.
// A result is emitted even when fn fails, as long as it produced one.
func execute(cmd *cobra.Command, withState bool, fn func(context.Context, *sync.Engine) (*sync.Result, error)) error {
	ctx, cancel := setupSignalHandler(cmd.Context())
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var store *state.Store
	if withState {
		store, err = state.Open(cfg.State.Path, s3Options(cfg), logger)
		if err != nil {
			return fmt.Errorf("failed to open state: %w", err)
		}
	}

	engine := sync.NewEngine(cfg, store, logger)
	res, runErr := fn(ctx, engine)
	if runErr != nil {
		logger.Error("run failed", "error", runErr)
	} else if res.HasIssues() {
		runErr = fmt.Errorf("%w: %d", errUnreadable, len(res.Issues))
	}
	if res != nil {
		if err := emit(cmd, res); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func emit(cmd *cobra.Command, res *sync.Result) error {
	if jsonOut == "-" {
		return report.WriteJSON(cmd.OutOrStdout(), res)
	}
	if err := report.WriteText(cmd.OutOrStdout(), res); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if jsonOut != "" {
		return report.WriteJSONFile(jsonOut, res)
	}
	return nil
}

func s3Options(cfg *config.Config) state.S3Options {
	return state.S3Options{
		Endpoint:  cfg.State.S3.Endpoint,
		AccessKey: cfg.State.S3.AccessKey,
		SecretKey: cfg.State.S3.SecretKey,
		Region:    cfg.State.S3.Region,
		Insecure:  cfg.State.S3.Insecure,
	}
}

// resolveLevel maps --log-level, or -v when it is unset, to a slog level
func resolveLevel() slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "":
		switch {
		case verbose >= 2:
			return slog.LevelDebug
		case verbose == 1:
			return slog.LevelInfo
		default:
			return slog.LevelWarn
		}
	default:
		return slog.LevelInfo
	}
}

// setupLogger logs to stderr; stdout carries the result
func setupLogger() *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: resolveLevel()}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	logger.Debug("loading configuration", "path", cfgFile)

	cfg, err := config.LoadOrDefault(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"state", cfg.State.Path,
		"workers", cfg.Hash.Workers,
		"excludes", len(cfg.Walk.Exclude),
		"scorer", cfg.Priority.Scorer)

	return cfg, nil
}

// applyOverrides folds command line flags into cfg and revalidates it
func applyOverrides(cfg *config.Config) error {
	if statePath != "" {
		cfg.State.Path = statePath
	}
	if workers > 0 {
		cfg.Hash.Workers = workers
	}
	if len(excludes)+len(includes) > 0 && cfg.Walk.Exclude == nil {
		cfg.Walk.Exclude = map[string]config.ExcludeAction{}
	}
	for _, p := range excludes {
		cfg.Walk.Exclude[p] = config.ActionExclude
	}
	for _, p := range includes {
		cfg.Walk.Exclude[p] = config.ActionInclude
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
