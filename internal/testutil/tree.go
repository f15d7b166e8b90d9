package testutil

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/schaermu/treesync/internal/hasher"
	"github.com/schaermu/treesync/internal/snapshot"
	"github.com/schaermu/treesync/internal/walker"
)

// WriteTree materialises files below root. Keys are slash separated paths;
// a key ending in "/" creates an empty directory.
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(rel, "/")))
		if strings.HasSuffix(rel, "/") {
			if err := os.MkdirAll(full, 0o755); err != nil {
				t.Fatalf("failed to create %s: %v", full, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("failed to create parent of %s: %v", full, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", full, err)
		}
	}
}

// Snapshot builds a snapshot from an in-memory tree description using the
// same key convention as WriteTree. Ancestor directories are implied.
func Snapshot(t testing.TB, label snapshot.Label, files map[string]string) *snapshot.Snapshot {
	t.Helper()

	dirs := map[string]bool{}
	var entries []walker.Entry
	var results []hasher.Result

	addParents := func(p string) {
		for parent := path.Dir(p); parent != "."; parent = path.Dir(parent) {
			dirs[parent] = true
		}
	}

	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.HasSuffix(k, "/") {
			p := strings.TrimSuffix(k, "/")
			dirs[p] = true
			addParents(p)
			continue
		}
		content := files[k]
		addParents(k)
		entries = append(entries, walker.Entry{Path: k, Kind: walker.KindFile, Size: int64(len(content))})
		results = append(results, hasher.Result{Path: k, Size: int64(len(content)), Digest: digest.FromString(content)})
	}
	for d := range dirs {
		entries = append(entries, walker.Entry{Path: d, Kind: walker.KindDirectory})
	}

	snap, err := snapshot.Build(snapshot.Input{Label: label, Entries: entries, Results: results})
	if err != nil {
		t.Fatalf("failed to build snapshot: %v", err)
	}
	return snap
}
