package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/treesync/internal/apply"
	"github.com/schaermu/treesync/internal/config"
	"github.com/schaermu/treesync/internal/diff"
	"github.com/schaermu/treesync/internal/hashcache"
	"github.com/schaermu/treesync/internal/hasher"
	"github.com/schaermu/treesync/internal/priority"
	"github.com/schaermu/treesync/internal/snapshot"
	"github.com/schaermu/treesync/internal/state"
	"github.com/schaermu/treesync/internal/walker"
)

// ErrStateExists is returned by Capture when a reference state is already
// persisted and overwriting was not requested
var ErrStateExists = errors.New("reference state already exists")

// Engine runs scans, captures and diffs. It holds no state between calls;
// capture and diff share nothing but the persisted state.
type Engine struct {
	cfg    *config.Config
	store  *state.Store
	logger *slog.Logger
}

// NewEngine creates a new sync engine. store may be nil for Apply, which
// never touches persisted state.
func NewEngine(cfg *config.Config, store *state.Store, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}
}

// Scan walks and hashes the tree at root into a snapshot. Unreadable
// entries are reported as issues and do not abort the scan.
func (e *Engine) Scan(ctx context.Context, root string, label snapshot.Label) (*ScanResult, error) {
	cache, closeCache, err := e.openCache()
	if err != nil {
		return nil, err
	}
	defer closeCache()
	return e.scanFS(ctx, osfs.New(root), root, label, cache)
}

// scanFS walks and hashes fsys. cache may be nil; when set it serves digest
// lookups for root and is pruned to the walked files after a clean walk.
func (e *Engine) scanFS(ctx context.Context, fsys billy.Filesystem, root string, label snapshot.Label, cache *hashcache.Cache) (*ScanResult, error) {
	logger := e.logger.With("tree", string(label))

	matcher, err := e.matcher()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	entries, walkIssues, err := walker.New(fsys, matcher, logger).Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	logger.Info("walked tree", "root", root, "entries", len(entries), "elapsed", time.Since(start))

	var tree *hashcache.Tree
	if cache != nil {
		tree = cache.Tree(root)
	}
	opts := e.hashOptions(fsys, tree, logger)

	start = time.Now()
	h := hasher.New(fsys, logger, opts)
	results, err := h.HashAll(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", root, err)
	}

	res := &ScanResult{Root: root}
	for _, r := range results {
		if r.Cached {
			res.Cached++
		}
	}
	logger.Info("hashed tree", "files", len(results), "cached", res.Cached, "workers", h.Workers(), "elapsed", time.Since(start))

	// an unreadable directory hides files that still exist below it
	if tree != nil && len(walkIssues) == 0 {
		pruneCache(tree, results, logger)
	}

	snap, err := snapshot.Build(snapshot.Input{
		Label:   label,
		Root:    root,
		Entries: entries,
		Results: results,
		Issues:  walkIssues,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot: %w", err)
	}
	res.Snapshot = snap

	for _, issue := range walkIssues {
		res.Issues = append(res.Issues, Issue{Path: issue.Path, Error: issue.Err.Error()})
	}
	for _, r := range results {
		if r.Err != nil {
			res.Issues = append(res.Issues, Issue{Path: r.Path, Error: r.Err.Error()})
		}
	}
	for _, issue := range res.Issues {
		logger.Warn("unreadable entry", "path", issue.Path, "error", issue.Error)
	}
	return res, nil
}

func (e *Engine) matcher() (*walker.Matcher, error) {
	m, err := walker.NewMatcher(walker.RulesFromMap(e.cfg.Walk.Exclude))
	if err != nil {
		return nil, fmt.Errorf("invalid walk.exclude: %w", err)
	}
	return m, nil
}

// openCache opens the configured hash cache. The returned func closes it;
// both are nil-safe when no cache is configured.
func (e *Engine) openCache() (*hashcache.Cache, func(), error) {
	if e.cfg.Hash.CachePath == "" {
		return nil, func() {}, nil
	}
	cache, err := hashcache.Open(e.cfg.Hash.CachePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open hash cache: %w", err)
	}
	return cache, func() {
		if err := cache.Close(); err != nil {
			e.logger.Warn("failed to close hash cache", "error", err)
		}
	}, nil
}

// hashOptions builds the worker pool settings
func (e *Engine) hashOptions(fsys billy.Filesystem, tree *hashcache.Tree, logger *slog.Logger) hasher.Options {
	opts := hasher.Options{
		Workers:   e.cfg.Hash.Workers,
		QueueSize: e.cfg.Hash.QueueSize,
		Progress:  progressLogger(logger),
	}

	switch e.cfg.Priority.Scorer {
	case config.ScorerSize:
		opts.Scorer = priority.SizeScorer{}
		if e.cfg.Priority.DetectContentType {
			opts.Tagger = priority.NewContentTagger(fsys)
		}
	}

	if tree != nil {
		opts.Cache = tree
	}
	return opts
}

// pruneCache drops cached digests of files no longer in the tree
func pruneCache(tree *hashcache.Tree, results []hasher.Result, logger *slog.Logger) {
	keep := make(map[string]struct{}, len(results))
	for _, r := range results {
		keep[r.Path] = struct{}{}
	}
	n, err := tree.Prune(keep)
	if err != nil {
		logger.Warn("failed to prune hash cache", "error", err)
		return
	}
	if n > 0 {
		logger.Debug("pruned hash cache", "removed", n)
	}
}

// progressLogger logs every tenth of the work on larger trees
func progressLogger(logger *slog.Logger) func(done, total int) {
	return func(done, total int) {
		if total < 100 {
			return
		}
		if done%(total/10) == 0 || done == total {
			logger.Info("hashing progress", "done", done, "total", total)
		}
	}
}

// Capture scans the reference tree and persists its snapshot. A reference
// with unreadable entries is never persisted since no later diff could be
// verified against it.
func (e *Engine) Capture(ctx context.Context, referenceRoot string, overwrite bool) (*Result, error) {
	e.logger.Info("starting capture", "reference", referenceRoot, "state", e.store.Location())

	if !overwrite {
		exists, err := e.store.Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check state: %w", err)
		}
		if exists {
			return nil, fmt.Errorf("%w at %s", ErrStateExists, e.store.Location())
		}
	}

	scan, err := e.Scan(ctx, referenceRoot, snapshot.LabelReference)
	if err != nil {
		return nil, err
	}

	meta := scan.Snapshot.Meta()
	res := &Result{
		Mode:      ModeCapture,
		Reference: &meta,
		Stats:     scan.Snapshot.Stats(),
		Issues:    scan.Issues,
		snapshot:  scan.Snapshot,
	}
	if res.HasIssues() {
		return res, fmt.Errorf("%w: %d entries", diff.ErrUnverifiableReference, len(res.Issues))
	}

	if err := e.store.Save(ctx, scan.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to save state: %w", err)
	}
	e.logger.Info("capture completed", "snapshot", meta.ID, "files", res.Stats.Files)
	return res, nil
}

// Diff loads the persisted reference and diffs the target tree against it.
// The reference tree itself is never opened.
func (e *Engine) Diff(ctx context.Context, targetRoot string) (*Result, error) {
	e.logger.Info("starting diff", "target", targetRoot, "state", e.store.Location())

	ref, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference state: %w", err)
	}

	scan, err := e.Scan(ctx, targetRoot, snapshot.LabelTarget)
	if err != nil {
		return nil, err
	}

	return e.diff(ModeDiff, ref, scan)
}

// Run diffs targetRoot against the persisted reference, or captures it as
// the reference when no state exists yet.
func (e *Engine) Run(ctx context.Context, root string) (*Result, error) {
	exists, err := e.store.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check state: %w", err)
	}
	if !exists {
		e.logger.Info("no reference state found, capturing", "state", e.store.Location())
		return e.Capture(ctx, root, false)
	}
	return e.Diff(ctx, root)
}

// Apply scans both trees concurrently, diffs them in memory and applies the
// operations to the target.
func (e *Engine) Apply(ctx context.Context, referenceRoot, targetRoot string, dryRun bool) (*Result, error) {
	e.logger.Info("starting apply", "reference", referenceRoot, "target", targetRoot, "dry_run", dryRun)

	refFS, targetFS := osfs.New(referenceRoot), apply.NewOSFilesystem(targetRoot)

	// both scans share one connection to the cache
	cache, closeCache, err := e.openCache()
	if err != nil {
		return nil, err
	}
	defer closeCache()

	var refScan, targetScan *ScanResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		refScan, err = e.scanFS(gctx, refFS, referenceRoot, snapshot.LabelReference, cache)
		return err
	})
	g.Go(func() error {
		var err error
		targetScan, err = e.scanFS(gctx, targetFS, targetRoot, snapshot.LabelTarget, cache)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res, err := e.diff(ModeApply, refScan.Snapshot, targetScan)
	if err != nil {
		return nil, err
	}
	res.DryRun = dryRun

	applied, err := apply.New(targetFS, refFS, e.logger, dryRun).Apply(ctx, res.Operations)
	res.Applied = applied.Applied
	if err != nil {
		return res, fmt.Errorf("failed to apply operations: %w", err)
	}
	e.logger.Info("apply completed", "applied", applied.Applied, "bytes", applied.Bytes)
	return res, nil
}

func (e *Engine) diff(mode Mode, ref *snapshot.Snapshot, target *ScanResult) (*Result, error) {
	start := time.Now()
	ops, err := diff.Diff(ref, target.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to diff: %w", err)
	}
	summary := diff.Summarize(ops)
	e.logger.Info("diff computed",
		"operations", len(ops),
		"create_dir", summary.CreateDirectories,
		"copy", summary.Copies,
		"move", summary.Moves,
		"delete", summary.Deletes,
		"elapsed", time.Since(start))

	refMeta, targetMeta := ref.Meta(), target.Snapshot.Meta()
	return &Result{
		Mode:       mode,
		Reference:  &refMeta,
		Target:     &targetMeta,
		Stats:      target.Snapshot.Stats(),
		Operations: ops,
		Summary:    summary,
		Issues:     target.Issues,
		snapshot:   target.Snapshot,
	}, nil
}
