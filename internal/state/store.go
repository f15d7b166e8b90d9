// Package state persists the reference snapshot so a later run can diff a
// target tree against it without access to the reference tree.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/treesync/internal/snapshot"
)

// ErrNotFound is returned by Load when no state has been saved yet
var ErrNotFound = errors.New("state not found")

// Backend stores the encoded state bytes
type Backend interface {
	// Read returns the stored bytes or ErrNotFound
	Read(ctx context.Context) ([]byte, error)
	// Write replaces the stored bytes; readers never observe a partial write
	Write(ctx context.Context, data []byte) error
	Exists(ctx context.Context) (bool, error)
	Location() string
}

// Store saves and loads the reference snapshot through a Backend
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// New creates a store on top of backend
func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{backend: backend, logger: logger}
}

// Open picks the backend for location: s3://bucket/key selects the object
// store, anything else is a local file path.
func Open(location string, s3 S3Options, logger *slog.Logger) (*Store, error) {
	if strings.HasPrefix(location, "s3://") {
		backend, err := NewObjectBackend(location, s3)
		if err != nil {
			return nil, err
		}
		return New(backend, logger), nil
	}
	backend, err := NewFileBackend(location)
	if err != nil {
		return nil, err
	}
	return New(backend, logger), nil
}

// Location describes where the state lives
func (s *Store) Location() string {
	return s.backend.Location()
}

// Save persists snap, replacing any previous state. Only reference
// snapshots are persisted.
func (s *Store) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	if snap.Label() != snapshot.LabelReference {
		return fmt.Errorf("refusing to persist %s snapshot as reference state", snap.Label())
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	if err := s.backend.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to write state to %s: %w", s.backend.Location(), err)
	}
	s.logger.Info("saved reference state",
		"location", s.backend.Location(),
		"snapshot", snap.ID(),
		"records", snap.Len(),
		"size", humanize.Bytes(uint64(len(data))))
	return nil
}

// Load reads and verifies the persisted reference snapshot
func (s *Store) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	data, err := s.backend.Read(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w at %s", ErrNotFound, s.backend.Location())
		}
		return nil, fmt.Errorf("failed to read state from %s: %w", s.backend.Location(), err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", s.backend.Location(), err)
	}
	s.logger.Info("loaded reference state",
		"location", s.backend.Location(),
		"snapshot", snap.ID(),
		"created", snap.Meta().Created,
		"records", snap.Len())
	return snap, nil
}

// Exists reports whether a state has been saved
func (s *Store) Exists(ctx context.Context) (bool, error) {
	return s.backend.Exists(ctx)
}
