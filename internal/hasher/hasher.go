// Package hasher computes content digests for walked files on a bounded
// worker pool.
package hasher

import (
	"context"
	_ "crypto/sha256" // registers digest.SHA256
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/treesync/internal/priority"
	"github.com/schaermu/treesync/internal/walker"
)

// Algorithm is the digest algorithm used for file contents
const Algorithm = digest.SHA256

const readBufferSize = 256 << 10

// Result is the outcome of hashing one file. Err is set when the file could
// not be read; Digest is empty in that case.
type Result struct {
	Path    string
	Size    int64
	ModTime time.Time
	Digest  digest.Digest
	Cached  bool
	Err     error
}

// Cache short-circuits rehashing of files whose size and modification time
// are unchanged since a previous scan
type Cache interface {
	Lookup(path string, size int64, modTime time.Time) (digest.Digest, bool)
	Store(path string, size int64, modTime time.Time, d digest.Digest) error
}

// Tagger enriches a priority candidate before scoring
type Tagger interface {
	Tag(c priority.FileCandidate) priority.FileCandidate
}

// Options configures the worker pool
type Options struct {
	Workers   int // 0 means GOMAXPROCS
	QueueSize int // 0 means twice the worker count
	Scorer    priority.Scorer
	Tagger    Tagger
	Cache     Cache
	// Progress, when set, is called from the collecting goroutine after
	// every finished file.
	Progress func(done, total int)
}

// Hasher hashes files of one tree
type Hasher struct {
	fs     billy.Filesystem
	opts   Options
	logger *slog.Logger
}

type job struct {
	entry walker.Entry
}

// New creates a hasher reading from fsys
func New(fsys billy.Filesystem, logger *slog.Logger, opts Options) *Hasher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 2 * opts.Workers
	}
	return &Hasher{
		fs:     fsys,
		opts:   opts,
		logger: logger,
	}
}

// Workers returns the effective pool size
func (h *Hasher) Workers() int {
	return h.opts.Workers
}

// HashAll digests every file entry. Directory entries are ignored. Results
// are returned sorted by path regardless of completion order. Per-file read
// failures are attached to their Result; only cancellation aborts, and then
// no results are returned.
func (h *Hasher) HashAll(ctx context.Context, entries []walker.Entry) ([]Result, error) {
	files := make([]walker.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Kind == walker.KindFile {
			files = append(files, e)
		}
	}

	order := h.schedule(files)

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan job, h.opts.QueueSize)
	results := make(chan Result, h.opts.QueueSize)

	g.Go(func() error {
		defer close(jobs)
		for _, idx := range order {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case jobs <- job{entry: files[idx]}:
			}
		}
		return nil
	})

	for w := 0; w < h.opts.Workers; w++ {
		g.Go(func() error {
			buf := make([]byte, readBufferSize)
			for j := range jobs {
				if err := gctx.Err(); err != nil {
					return err
				}
				r := h.hashEntry(j.entry, buf)
				select {
				case <-gctx.Done():
					return gctx.Err()
				case results <- r:
				}
			}
			return nil
		})
	}

	var waitErr error
	done := make(chan struct{})
	go func() {
		waitErr = g.Wait()
		close(results)
		close(done)
	}()

	out := make([]Result, 0, len(files))
	for r := range results {
		out = append(out, r)
		if h.opts.Progress != nil {
			h.opts.Progress(len(out), len(files))
		}
	}
	<-done

	if waitErr != nil {
		return nil, waitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// schedule returns the dispatch order of files, highest priority first
func (h *Hasher) schedule(files []walker.Entry) []int {
	if h.opts.Scorer == nil {
		order := make([]int, len(files))
		for i := range order {
			order[i] = i
		}
		return order
	}
	candidates := make([]priority.FileCandidate, len(files))
	for i, f := range files {
		c := priority.NewCandidate(f)
		if h.opts.Tagger != nil {
			c = h.opts.Tagger.Tag(c)
		}
		candidates[i] = c
	}
	return priority.Order(candidates, h.opts.Scorer)
}

func (h *Hasher) hashEntry(e walker.Entry, buf []byte) Result {
	r := Result{Path: e.Path, Size: e.Size, ModTime: e.ModTime}

	if h.opts.Cache != nil {
		if d, ok := h.opts.Cache.Lookup(e.Path, e.Size, e.ModTime); ok {
			h.logger.Debug("digest from cache", "path", e.Path)
			r.Digest = d
			r.Cached = true
			return r
		}
	}

	start := time.Now()
	h.logger.Debug("started hashing", "path", e.Path, "size", e.Size)
	d, n, err := h.hashFile(e.Path, buf)
	if err != nil {
		h.logger.Warn("failed to hash file", "path", e.Path, "error", err)
		r.Err = err
		return r
	}
	r.Digest = d
	r.Size = n
	h.logger.Debug("finished hashing", "path", e.Path, "elapsed", time.Since(start))

	if h.opts.Cache != nil && n == e.Size {
		if err := h.opts.Cache.Store(e.Path, e.Size, e.ModTime, d); err != nil {
			h.logger.Warn("failed to update hash cache", "path", e.Path, "error", err)
		}
	}
	return r
}

func (h *Hasher) hashFile(path string, buf []byte) (digest.Digest, int64, error) {
	f, err := h.fs.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	digester := Algorithm.Digester()
	n, err := io.CopyBuffer(digester.Hash(), f, buf)
	if err != nil {
		return "", n, fmt.Errorf("failed to read: %w", err)
	}
	return digester.Digest(), n, nil
}
