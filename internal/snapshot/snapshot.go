// Package snapshot holds the immutable, content-addressed manifest of a
// directory tree at one point in time.
package snapshot

import (
	_ "crypto/sha256" // registers digest.SHA256
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/schaermu/treesync/internal/walker"
)

// FormatVersion is the snapshot model version written into persisted state
const FormatVersion = "1.0.0"

// ErrInvalidTree is returned when entries violate the snapshot invariants:
// unique paths and a directory record for every ancestor of every record.
var ErrInvalidTree = errors.New("invalid tree")

// Label names which logical tree a snapshot represents. It is metadata only
// and never takes part in equality.
type Label string

const (
	LabelReference Label = "reference"
	LabelTarget    Label = "target"
)

// MetadataHint carries cheap pre-hash attributes. It may short-circuit
// rehashing but is never a substitute for digest equality.
type MetadataHint struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// FileRecord is one entry of a snapshot
type FileRecord struct {
	Path   string        `json:"path"`
	Kind   walker.Kind   `json:"kind"`
	Size   int64         `json:"size,omitempty"`
	Digest digest.Digest `json:"digest,omitempty"`
	Hint   *MetadataHint `json:"hint,omitempty"`
	// Error is set when the entry could not be read. A file then has no
	// digest; a directory has unknown contents.
	Error string `json:"error,omitempty"`
}

// IsDir reports whether the record is a directory
func (r FileRecord) IsDir() bool {
	return r.Kind == walker.KindDirectory
}

// Unreadable reports whether the entry failed to read during the scan
func (r FileRecord) Unreadable() bool {
	return r.Error != ""
}

// Meta describes a snapshot without its records
type Meta struct {
	Version string    `json:"version"`
	ID      uuid.UUID `json:"id"`
	Label   Label     `json:"label"`
	Root    string    `json:"root,omitempty"`
	Created time.Time `json:"created"`
}

// Snapshot is an ordered-by-path mapping from relative path to FileRecord.
// It is never mutated after construction.
type Snapshot struct {
	meta    Meta
	records []FileRecord
	index   map[string]int
}

// Empty returns a snapshot without records
func Empty(label Label) *Snapshot {
	s, _ := newSnapshot(Meta{Version: FormatVersion, ID: uuid.New(), Label: label, Created: time.Now().UTC()}, nil)
	return s
}

// Restore rebuilds a snapshot from previously built records, enforcing the
// same invariants as Build.
func Restore(meta Meta, records []FileRecord) (*Snapshot, error) {
	if meta.Version == "" {
		return nil, fmt.Errorf("%w: missing format version", ErrInvalidTree)
	}
	for _, r := range records {
		if err := checkRecord(r); err != nil {
			return nil, err
		}
	}
	return newSnapshot(meta, append([]FileRecord(nil), records...))
}

func checkRecord(r FileRecord) error {
	switch r.Kind {
	case walker.KindDirectory:
		if r.Digest != "" {
			return fmt.Errorf("%w: directory %s carries a digest", ErrInvalidTree, r.Path)
		}
	case walker.KindFile:
		if r.Error != "" {
			if r.Digest != "" {
				return fmt.Errorf("%w: unreadable file %s carries a digest", ErrInvalidTree, r.Path)
			}
			return nil
		}
		if err := r.Digest.Validate(); err != nil {
			return fmt.Errorf("%w: file %s: %v", ErrInvalidTree, r.Path, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q for %s", ErrInvalidTree, r.Kind, r.Path)
	}
	return nil
}

// newSnapshot sorts records by path and validates structure; it takes
// ownership of records.
func newSnapshot(meta Meta, records []FileRecord) (*Snapshot, error) {
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })

	index := make(map[string]int, len(records))
	for i, r := range records {
		if err := validPath(r.Path); err != nil {
			return nil, err
		}
		if _, dup := index[r.Path]; dup {
			return nil, fmt.Errorf("%w: duplicate path %s", ErrInvalidTree, r.Path)
		}
		index[r.Path] = i
	}

	for _, r := range records {
		parent := path.Dir(r.Path)
		if parent == "." {
			continue
		}
		i, ok := index[parent]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no parent directory record", ErrInvalidTree, r.Path)
		}
		if !records[i].IsDir() {
			return nil, fmt.Errorf("%w: parent of %s is not a directory", ErrInvalidTree, r.Path)
		}
	}

	return &Snapshot{meta: meta, records: records, index: index}, nil
}

func validPath(p string) error {
	if p == "" || p == "." || path.IsAbs(p) || path.Clean(p) != p ||
		p == ".." || strings.HasPrefix(p, "../") || strings.Contains(p, "\\") {
		return fmt.Errorf("%w: invalid relative path %q", ErrInvalidTree, p)
	}
	return nil
}

// Meta returns the snapshot metadata
func (s *Snapshot) Meta() Meta {
	return s.meta
}

func (s *Snapshot) Label() Label {
	return s.meta.Label
}

func (s *Snapshot) ID() uuid.UUID {
	return s.meta.ID
}

// Len returns the number of records
func (s *Snapshot) Len() int {
	return len(s.records)
}

// Records returns a copy of all records in path order
func (s *Snapshot) Records() []FileRecord {
	out := make([]FileRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Lookup returns the record at path
func (s *Snapshot) Lookup(p string) (FileRecord, bool) {
	i, ok := s.index[p]
	if !ok {
		return FileRecord{}, false
	}
	return s.records[i], true
}

// Unreadable returns the records that failed to read during the scan
func (s *Snapshot) Unreadable() []FileRecord {
	var out []FileRecord
	for _, r := range s.records {
		if r.Unreadable() {
			out = append(out, r)
		}
	}
	return out
}

// Stats summarises the record set
type Stats struct {
	Files       int   `json:"files"`
	Directories int   `json:"directories"`
	Bytes       int64 `json:"bytes"`
}

func (s *Snapshot) Stats() Stats {
	var st Stats
	for _, r := range s.records {
		if r.IsDir() {
			st.Directories++
			continue
		}
		st.Files++
		st.Bytes += r.Size
	}
	return st
}

// Equal reports whether both snapshots describe the same tree: identical
// paths, kinds and digests. Labels, hints and IDs are ignored.
func Equal(a, b *Snapshot) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := range a.records {
		ra, rb := a.records[i], b.records[i]
		if ra.Path != rb.Path || ra.Kind != rb.Kind || ra.Digest != rb.Digest {
			return false
		}
	}
	return true
}
