package snapshot

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/treesync/internal/hasher"
	"github.com/schaermu/treesync/internal/walker"
)

// Input is everything the builder joins into one snapshot
type Input struct {
	Label   Label
	Root    string
	Entries []walker.Entry
	Results []hasher.Result
	// Issues are the walker's per-entry failures. Those naming a walked
	// directory mark its record unreadable.
	Issues []*walker.EntryError

	// ID and Created are generated when zero
	ID      uuid.UUID
	Created time.Time
}

// Build joins walker entries with hasher results by relative path. It does
// no I/O; every file entry needs exactly one result and every result must
// name a walked file.
func Build(in Input) (*Snapshot, error) {
	records := make([]FileRecord, 0, len(in.Entries))
	byPath := make(map[string]int, len(in.Entries))

	for _, e := range in.Entries {
		if _, dup := byPath[e.Path]; dup {
			return nil, fmt.Errorf("%w: duplicate path %s", ErrInvalidTree, e.Path)
		}
		byPath[e.Path] = len(records)
		r := FileRecord{Path: e.Path, Kind: e.Kind}
		if e.Kind == walker.KindFile {
			r.Size = e.Size
		}
		records = append(records, r)
	}

	hashed := make(map[string]bool, len(in.Results))
	for _, res := range in.Results {
		i, ok := byPath[res.Path]
		if !ok {
			return nil, fmt.Errorf("%w: digest for unknown path %s", ErrInvalidTree, res.Path)
		}
		if records[i].Kind != walker.KindFile {
			return nil, fmt.Errorf("%w: digest for directory %s", ErrInvalidTree, res.Path)
		}
		if hashed[res.Path] {
			return nil, fmt.Errorf("%w: duplicate digest for %s", ErrInvalidTree, res.Path)
		}
		hashed[res.Path] = true

		if res.Err != nil {
			records[i].Error = res.Err.Error()
			continue
		}
		if res.Digest == "" {
			return nil, fmt.Errorf("%w: empty digest for %s", ErrInvalidTree, res.Path)
		}
		records[i].Size = res.Size
		records[i].Digest = res.Digest
		records[i].Hint = &MetadataHint{Size: res.Size, ModTime: res.ModTime.UTC()}
	}

	for _, r := range records {
		if r.Kind == walker.KindFile && !hashed[r.Path] {
			return nil, fmt.Errorf("%w: no digest for %s", ErrInvalidTree, r.Path)
		}
	}

	for _, issue := range in.Issues {
		if i, ok := byPath[issue.Path]; ok && records[i].Error == "" {
			records[i].Error = issue.Err.Error()
		}
	}

	meta := Meta{
		Version: FormatVersion,
		ID:      in.ID,
		Label:   in.Label,
		Root:    in.Root,
		Created: in.Created,
	}
	if meta.ID == uuid.Nil {
		meta.ID = uuid.New()
	}
	if meta.Created.IsZero() {
		meta.Created = time.Now().UTC()
	}

	return newSnapshot(meta, records)
}
