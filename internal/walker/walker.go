// Package walker enumerates a directory tree into a deterministic,
// depth-first sequence of relative-path entries.
package walker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
)

// Kind classifies a walked entry
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// ErrRootUnreadable is returned when the walk root is missing, not a
// directory, or cannot be listed. It aborts the walk.
var ErrRootUnreadable = errors.New("walk root unreadable")

// Entry is one file or directory below the walk root
type Entry struct {
	Path    string // slash separated, relative to the root, never "." or ""
	Kind    Kind
	Size    int64 // files only
	ModTime time.Time
}

// Depth returns the number of path components in the entry path
func (e Entry) Depth() int {
	return strings.Count(e.Path, "/") + 1
}

// EntryError records a recoverable failure on a single path
type EntryError struct {
	Path string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// Walker traverses a billy filesystem rooted at the tree to scan
type Walker struct {
	fs      billy.Filesystem
	matcher *Matcher
	logger  *slog.Logger
}

// New creates a walker over fsys. A nil matcher excludes nothing.
func New(fsys billy.Filesystem, matcher *Matcher, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Walker{
		fs:      fsys,
		matcher: matcher,
		logger:  logger,
	}
}

// Walk visits every entry below the root in depth-first pre-order, children
// sorted by name. Excluded directories are pruned with their whole subtree.
// Per-entry failures are collected and returned once the walk completes; an
// error from visit or a cancelled context stops the walk.
func (w *Walker) Walk(ctx context.Context, visit func(Entry) error) ([]*EntryError, error) {
	info, err := w.fs.Stat(".")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, w.fs.Root(), err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRootUnreadable, w.fs.Root())
	}

	children, err := w.fs.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, w.fs.Root(), err)
	}

	var failures []*EntryError
	if err := w.walkChildren(ctx, "", children, visit, &failures); err != nil {
		return failures, err
	}
	return failures, nil
}

// Collect walks the tree and returns all entries in visit order
func (w *Walker) Collect(ctx context.Context) ([]Entry, []*EntryError, error) {
	var entries []Entry
	failures, err := w.Walk(ctx, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, failures, err
	}
	return entries, failures, nil
}

func (w *Walker) walkChildren(ctx context.Context, dir string, children []os.FileInfo, visit func(Entry) error, failures *[]*EntryError) error {
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel := child.Name()
		if dir != "" {
			rel = path.Join(dir, child.Name())
		}

		if w.matcher.Excluded(rel) {
			w.logger.Debug("excluded", "path", rel)
			continue
		}

		mode := child.Mode()
		switch {
		case mode.IsDir():
			if err := visit(Entry{Path: rel, Kind: KindDirectory, ModTime: child.ModTime()}); err != nil {
				return err
			}
			grandchildren, err := w.fs.ReadDir(rel)
			if err != nil {
				w.logger.Warn("failed to read directory", "path", rel, "error", err)
				*failures = append(*failures, &EntryError{Path: rel, Err: err})
				continue
			}
			if err := w.walkChildren(ctx, rel, grandchildren, visit, failures); err != nil {
				return err
			}

		case mode.IsRegular():
			if err := visit(Entry{Path: rel, Kind: KindFile, Size: child.Size(), ModTime: child.ModTime()}); err != nil {
				return err
			}

		default:
			// symlinks, devices, sockets and pipes carry no content to sync
			w.logger.Debug("skipping non-regular file", "path", rel, "mode", mode.String())
		}
	}
	return nil
}
