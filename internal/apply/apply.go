// Package apply executes diff operations against a target tree.
package apply

import (
	"context"
	_ "crypto/sha256" // registers digest.SHA256
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/opencontainers/go-digest"

	"github.com/schaermu/treesync/internal/diff"
)

// ErrDigestMismatch is returned when copied bytes do not match the digest
// recorded in the snapshot, meaning the source changed since it was scanned.
var ErrDigestMismatch = errors.New("digest mismatch")

// Result reports what an Apply run did
type Result struct {
	Applied int
	Bytes   int64
}

// Applier runs operations in order against the target filesystem. Copies
// with a reference source read from the reference filesystem.
type Applier struct {
	target    billy.Filesystem
	reference billy.Filesystem
	logger    *slog.Logger
	dryRun    bool
}

// New creates an applier. reference may be nil when no operation copies
// from the reference tree.
func New(target, reference billy.Filesystem, logger *slog.Logger, dryRun bool) *Applier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Applier{
		target:    target,
		reference: reference,
		logger:    logger,
		dryRun:    dryRun,
	}
}

// Apply executes ops in order and stops at the first failure. Operations
// applied before the failure stay applied; every intermediate state is a
// valid tree because of the operation ordering.
func (a *Applier) Apply(ctx context.Context, ops []diff.Operation) (Result, error) {
	var res Result
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if a.dryRun {
			a.logger.Info("[dry-run] would apply", "op", op.Kind, "path", op.Path, "from", op.From, "source", op.Source)
			continue
		}

		n, err := a.applyOne(op)
		if err != nil {
			return res, fmt.Errorf("failed to %s: %w", op, err)
		}
		res.Applied++
		res.Bytes += n
	}
	if a.dryRun {
		a.logger.Info("dry-run complete, no changes applied", "operations", len(ops))
	}
	return res, nil
}

func (a *Applier) applyOne(op diff.Operation) (int64, error) {
	switch op.Kind {
	case diff.KindCreateDirectory:
		a.logger.Debug("creating directory", "path", op.Path)
		return 0, a.target.MkdirAll(op.Path, 0o755)

	case diff.KindMove:
		a.logger.Debug("moving file", "from", op.From, "path", op.Path)
		return 0, a.target.Rename(op.From, op.Path)

	case diff.KindCopy:
		src, name := a.reference, op.Path
		if op.Source == diff.SourceTarget {
			src, name = a.target, op.From
		}
		if src == nil {
			return 0, errors.New("reference tree not available")
		}
		a.logger.Debug("copying file", "path", op.Path, "source", op.Source, "from", name)
		return a.copyFile(src, name, op.Path, op.Digest)

	case diff.KindDelete:
		a.logger.Debug("deleting", "path", op.Path, "entry", op.Entry)
		if err := a.target.Remove(op.Path); err != nil && !os.IsNotExist(err) {
			return 0, err
		}
		return 0, nil

	default:
		return 0, fmt.Errorf("unknown operation %q", op.Kind)
	}
}

// copyFile streams src into a temp file beside dst, verifies the digest
// and renames it into place
func (a *Applier) copyFile(src billy.Filesystem, srcName, dst string, want digest.Digest) (int64, error) {
	if err := want.Validate(); err != nil {
		return 0, fmt.Errorf("invalid digest for %s: %w", dst, err)
	}
	in, err := src.Open(srcName)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = in.Close()
	}()

	tmp, err := a.target.TempFile(path.Dir(dst), ".treesync-tmp-")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = a.target.Remove(tmpName)
		}
	}()

	digester := want.Algorithm().Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), in)
	if err != nil {
		_ = tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if got := digester.Digest(); got != want {
		return n, fmt.Errorf("%w: %s has %s, expected %s", ErrDigestMismatch, srcName, got, want)
	}

	if setter, ok := a.target.(modeSetter); ok {
		if info, err := src.Stat(srcName); err == nil {
			if err := setter.Chmod(tmpName, info.Mode().Perm()); err != nil {
				return n, err
			}
		}
	}

	if err := a.target.Rename(tmpName, dst); err != nil {
		return n, err
	}
	committed = true
	return n, nil
}
