// Package diff reduces a reference and a target snapshot to the ordered
// operations that turn the target tree into the reference tree.
package diff

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/schaermu/treesync/internal/snapshot"
	"github.com/schaermu/treesync/internal/walker"
)

// ErrUnverifiableReference is returned when the reference snapshot holds
// unreadable entries; no sync can be verified against it.
var ErrUnverifiableReference = errors.New("reference snapshot contains unreadable entries")

// Kind is the operation type
type Kind string

const (
	KindCreateDirectory Kind = "create_dir"
	KindCopy            Kind = "copy"
	KindMove            Kind = "move"
	KindDelete          Kind = "delete"
)

// Source identifies where a copy takes its bytes from
type Source string

const (
	// SourceReference reads Path from the reference tree
	SourceReference Source = "reference"
	// SourceTarget reads From in the target tree, which already holds the
	// wanted digest when the copy runs
	SourceTarget Source = "target"
)

// Operation is one step of the transformation. Path is the destination for
// create, copy and move, and the removed path for delete.
type Operation struct {
	Kind   Kind          `json:"op"`
	Path   string        `json:"path"`
	From   string        `json:"from,omitempty"`
	Source Source        `json:"source,omitempty"`
	Digest digest.Digest `json:"digest,omitempty"`
	Size   int64         `json:"size,omitempty"`
	// Entry is the kind of the removed entry; delete only
	Entry walker.Kind `json:"entry,omitempty"`
}

func (o Operation) String() string {
	switch o.Kind {
	case KindMove:
		return fmt.Sprintf("move %s -> %s", o.From, o.Path)
	case KindCopy:
		if o.Source == SourceTarget {
			return fmt.Sprintf("copy %s -> %s", o.From, o.Path)
		}
		return fmt.Sprintf("copy %s", o.Path)
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.Path)
	}
}

// Diff computes the operations transforming target into reference.
//
// The result is ordered in three groups. Kind conflicts come first: the
// target entry and its subtree are deleted, deepest first. Then come
// directory creations in path order, followed by moves and then copies, each
// ordered by destination. Last, every remaining target-only entry is
// deleted, deepest first.
func Diff(ref, target *snapshot.Snapshot) ([]Operation, error) {
	if bad := ref.Unreadable(); len(bad) > 0 {
		paths := make([]string, 0, len(bad))
		for _, r := range bad {
			paths = append(paths, r.Path)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnverifiableReference, strings.Join(paths, ", "))
	}

	refRecords := ref.Records()
	targetRecords := target.Records()

	// kind conflicts replace the whole target subtree below the path
	var replaced []string
	replacedSet := map[string]bool{}
	for _, tr := range targetRecords {
		conflict := replacedSet[path.Dir(tr.Path)]
		if !conflict {
			rr, ok := ref.Lookup(tr.Path)
			conflict = ok && rr.Kind != tr.Kind
		}
		if conflict {
			replaced = append(replaced, tr.Path)
			replacedSet[tr.Path] = true
		}
	}

	// surviving target state after the conflict deletes
	present := func(p string) (snapshot.FileRecord, bool) {
		if replacedSet[p] {
			return snapshot.FileRecord{}, false
		}
		return target.Lookup(p)
	}

	var (
		onlyInReference []snapshot.FileRecord
		changed         []snapshot.FileRecord
		unchanged       = map[digest.Digest][]string{}
	)
	for _, rr := range refRecords {
		tr, ok := present(rr.Path)
		switch {
		case !ok:
			onlyInReference = append(onlyInReference, rr)
		case rr.IsDir():
		case tr.Unreadable() || tr.Digest != rr.Digest:
			changed = append(changed, rr)
		default:
			unchanged[rr.Digest] = append(unchanged[rr.Digest], rr.Path)
		}
	}

	// digest index over readable target-only files, paths in lexical order
	candidates := map[digest.Digest][]string{}
	var onlyInTarget []snapshot.FileRecord
	for _, tr := range targetRecords {
		if replacedSet[tr.Path] {
			continue
		}
		if _, ok := ref.Lookup(tr.Path); ok {
			continue
		}
		onlyInTarget = append(onlyInTarget, tr)
		if !tr.IsDir() && !tr.Unreadable() {
			candidates[tr.Digest] = append(candidates[tr.Digest], tr.Path)
		}
	}

	ops := make([]Operation, 0, len(replaced)+len(onlyInReference)+len(changed)+len(onlyInTarget))

	ops = appendDeletes(ops, target, replaced)

	for _, rr := range onlyInReference {
		if rr.IsDir() {
			ops = append(ops, Operation{Kind: KindCreateDirectory, Path: rr.Path})
		}
	}

	consumed := map[string]bool{}
	var moves []Operation
	var copies []snapshot.FileRecord
	movedTo := map[digest.Digest][]string{}
	for _, rr := range onlyInReference {
		if rr.IsDir() {
			continue
		}
		if from, ok := takeCandidate(candidates, rr.Digest, consumed); ok {
			moves = append(moves, Operation{Kind: KindMove, Path: rr.Path, From: from, Digest: rr.Digest, Size: rr.Size})
			movedTo[rr.Digest] = append(movedTo[rr.Digest], rr.Path)
			continue
		}
		copies = append(copies, rr)
	}
	copies = append(copies, changed...)
	sort.Slice(copies, func(i, j int) bool { return copies[i].Path < copies[j].Path })

	ops = append(ops, moves...)
	for _, rr := range copies {
		op := Operation{Kind: KindCopy, Path: rr.Path, Source: SourceReference, Digest: rr.Digest, Size: rr.Size}
		if local, ok := localSource(rr.Digest, unchanged, movedTo); ok {
			op.Source = SourceTarget
			op.From = local
		}
		ops = append(ops, op)
	}

	var remaining []string
	for _, tr := range onlyInTarget {
		if !consumed[tr.Path] {
			remaining = append(remaining, tr.Path)
		}
	}
	ops = appendDeletes(ops, target, remaining)

	return ops, nil
}

// takeCandidate picks the lexically earliest unused target path holding d
func takeCandidate(candidates map[digest.Digest][]string, d digest.Digest, consumed map[string]bool) (string, bool) {
	for _, p := range candidates[d] {
		if !consumed[p] {
			consumed[p] = true
			return p, true
		}
	}
	return "", false
}

// localSource finds a target path already holding d when copies run: an
// untouched file, else the destination of an earlier move.
func localSource(d digest.Digest, unchanged, movedTo map[digest.Digest][]string) (string, bool) {
	if paths := unchanged[d]; len(paths) > 0 {
		return paths[0], true
	}
	if paths := movedTo[d]; len(paths) > 0 {
		return paths[0], true
	}
	return "", false
}

// appendDeletes emits deletes for paths deepest first
func appendDeletes(ops []Operation, target *snapshot.Snapshot, paths []string) []Operation {
	sorted := append([]string(nil), paths...)
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))
	for _, p := range sorted {
		tr, _ := target.Lookup(p)
		ops = append(ops, Operation{Kind: KindDelete, Path: p, Entry: tr.Kind, Digest: tr.Digest, Size: tr.Size})
	}
	return ops
}

// Summary counts operations by kind
type Summary struct {
	CreateDirectories int   `json:"create_directories"`
	Copies            int   `json:"copies"`
	Moves             int   `json:"moves"`
	Deletes           int   `json:"deletes"`
	ReferenceBytes    int64 `json:"reference_bytes"`
	LocalBytes        int64 `json:"local_bytes"`
}

// Total is the number of operations
func (s Summary) Total() int {
	return s.CreateDirectories + s.Copies + s.Moves + s.Deletes
}

// Summarize tallies ops. Copy bytes are split by source.
func Summarize(ops []Operation) Summary {
	var s Summary
	for _, op := range ops {
		switch op.Kind {
		case KindCreateDirectory:
			s.CreateDirectories++
		case KindCopy:
			s.Copies++
			if op.Source == SourceTarget {
				s.LocalBytes += op.Size
			} else {
				s.ReferenceBytes += op.Size
			}
		case KindMove:
			s.Moves++
		case KindDelete:
			s.Deletes++
		}
	}
	return s
}
