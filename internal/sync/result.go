package sync

import (
	"github.com/schaermu/treesync/internal/diff"
	"github.com/schaermu/treesync/internal/snapshot"
)

// Mode is what a run did
type Mode string

const (
	ModeCapture Mode = "capture"
	ModeDiff    Mode = "diff"
	ModeApply   Mode = "apply"
)

// Issue is a path that could not be read during a scan
type Issue struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// ScanResult is one scanned tree
type ScanResult struct {
	Root     string
	Snapshot *snapshot.Snapshot
	Issues   []Issue
	// Cached counts digests served from the hash cache
	Cached int
}

// Result is the outcome of a capture, diff or apply run
type Result struct {
	Mode       Mode               `json:"mode"`
	Reference  *snapshot.Meta     `json:"reference,omitempty"`
	Target     *snapshot.Meta     `json:"target,omitempty"`
	Stats      snapshot.Stats     `json:"stats"`
	Operations []diff.Operation   `json:"operations"`
	Summary    diff.Summary       `json:"summary"`
	Issues     []Issue            `json:"issues"`
	Applied    int                `json:"applied,omitempty"`
	DryRun     bool               `json:"dry_run,omitempty"`
	snapshot   *snapshot.Snapshot `json:"-"`
}

// HasIssues reports whether any scanned entry was unreadable. A run with
// issues still carries whatever operations could be determined.
func (r *Result) HasIssues() bool {
	return len(r.Issues) > 0
}

// Snapshot returns the snapshot built by the run: the captured reference,
// or the scanned target
func (r *Result) Snapshot() *snapshot.Snapshot {
	return r.snapshot
}
