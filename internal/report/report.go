// Package report renders sync results for humans and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/treesync/internal/diff"
	"github.com/schaermu/treesync/internal/sync"
)

// Document is the JSON form of a result
type Document struct {
	*sync.Result
	OK bool `json:"ok"`
}

// WriteText writes one line per operation followed by a summary and the
// list of unreadable paths.
func WriteText(w io.Writer, res *sync.Result) error {
	var b strings.Builder

	switch res.Mode {
	case sync.ModeCapture:
		fmt.Fprintf(&b, "captured %s\n", describeStats(res))
		if res.Reference != nil {
			fmt.Fprintf(&b, "snapshot %s at %s\n", res.Reference.ID, res.Reference.Created.Format("2006-01-02 15:04:05Z07:00"))
		}
	default:
		for _, op := range res.Operations {
			b.WriteString(op.String())
			b.WriteByte('\n')
		}
		b.WriteString(describeSummary(res.Summary))
		b.WriteByte('\n')
		if res.Mode == sync.ModeApply {
			if res.DryRun {
				b.WriteString("dry run, nothing applied\n")
			} else {
				fmt.Fprintf(&b, "applied %d of %d\n", res.Applied, len(res.Operations))
			}
		}
	}

	if res.HasIssues() {
		fmt.Fprintf(&b, "%d unreadable:\n", len(res.Issues))
		for _, issue := range res.Issues {
			fmt.Fprintf(&b, "  %s: %s\n", issue.Path, issue.Error)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func describeStats(res *sync.Result) string {
	return fmt.Sprintf("%d files, %d directories, %s",
		res.Stats.Files, res.Stats.Directories, humanize.Bytes(uint64(res.Stats.Bytes)))
}

func describeSummary(s diff.Summary) string {
	if s.Total() == 0 {
		return "in sync"
	}
	line := fmt.Sprintf("%d operations: %d create_dir, %d copy, %d move, %d delete",
		s.Total(), s.CreateDirectories, s.Copies, s.Moves, s.Deletes)
	if s.Copies > 0 {
		line += fmt.Sprintf(" (%s from reference, %s local)",
			humanize.Bytes(uint64(s.ReferenceBytes)), humanize.Bytes(uint64(s.LocalBytes)))
	}
	return line
}

// WriteJSON writes res as an indented JSON document
func WriteJSON(w io.Writer, res *sync.Result) error {
	r := *res
	doc := Document{Result: &r, OK: !res.HasIssues()}
	if doc.Operations == nil {
		doc.Operations = []diff.Operation{}
	}
	if doc.Issues == nil {
		doc.Issues = []sync.Issue{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// WriteJSONFile writes the JSON document to path, "-" meaning stdout
func WriteJSONFile(path string, res *sync.Result) error {
	if path == "-" {
		return WriteJSON(os.Stdout, res)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteJSON(f, res); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}
