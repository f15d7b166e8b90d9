package state

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// FileBackend keeps the state in a single local file. Writes go to a
// temporary file in the same directory and are renamed into place.
type FileBackend struct {
	fs       billy.Filesystem
	name     string
	location string
	// lockPath guards concurrent runs on the same state file; empty disables
	// locking
	lockPath string
}

// NewFileBackend creates a backend for the state file at p
func NewFileBackend(p string) (*FileBackend, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state path %s: %w", p, err)
	}
	return &FileBackend{
		fs:       osfs.New(filepath.Dir(abs)),
		name:     filepath.Base(abs),
		location: abs,
		lockPath: abs + ".lock",
	}, nil
}

// NewFileBackendFS creates an unlocked backend storing name inside fsys
func NewFileBackendFS(fsys billy.Filesystem, name string) *FileBackend {
	return &FileBackend{
		fs:       fsys,
		name:     name,
		location: fsys.Join(fsys.Root(), name),
	}
}

func (b *FileBackend) Location() string {
	return b.location
}

func (b *FileBackend) Read(ctx context.Context) ([]byte, error) {
	unlock, err := b.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	f, err := b.fs.Open(b.name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return io.ReadAll(f)
}

func (b *FileBackend) Write(ctx context.Context, data []byte) error {
	unlock, err := b.lock(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	dir := path.Dir(b.name)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := b.fs.TempFile(dir, ".treesync-state-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = b.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if s, ok := tmp.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to sync temp file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := b.fs.Rename(tmpName, b.name); err != nil {
		return fmt.Errorf("failed to rename state into place: %w", err)
	}
	committed = true
	return nil
}

func (b *FileBackend) Exists(_ context.Context) (bool, error) {
	_, err := b.fs.Stat(b.name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// lock takes the exclusive (write) or shared (read) lock on the lock file
func (b *FileBackend) lock(ctx context.Context, exclusive bool) (func(), error) {
	if b.lockPath == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(b.lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	fl := flock.New(b.lockPath)
	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = fl.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = fl.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", b.lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock %s", b.lockPath)
	}
	return func() {
		_ = fl.Unlock()
	}, nil
}
