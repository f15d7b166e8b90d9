package apply

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/treesync/internal/diff"
	"github.com/schaermu/treesync/internal/hasher"
	"github.com/schaermu/treesync/internal/snapshot"
	"github.com/schaermu/treesync/internal/testutil"
	"github.com/schaermu/treesync/internal/walker"
)

func scan(t *testing.T, root string, label snapshot.Label) *snapshot.Snapshot {
	t.Helper()
	fsys := osfs.New(root)
	entries, issues, err := walker.New(fsys, nil, nil).Collect(context.Background())
	require.NoError(t, err)
	results, err := hasher.New(fsys, nil, hasher.Options{Workers: 2}).HashAll(context.Background(), entries)
	require.NoError(t, err)
	snap, err := snapshot.Build(snapshot.Input{Label: label, Entries: entries, Results: results, Issues: issues})
	require.NoError(t, err)
	return snap
}

// syncTrees writes both trees, diffs them, applies the operations and
// returns the rescanned target next to the reference snapshot.
func syncTrees(t *testing.T, refFiles, targetFiles map[string]string) (*snapshot.Snapshot, *snapshot.Snapshot, []diff.Operation) {
	t.Helper()
	refRoot, targetRoot := t.TempDir(), t.TempDir()
	testutil.WriteTree(t, refRoot, refFiles)
	testutil.WriteTree(t, targetRoot, targetFiles)

	ref := scan(t, refRoot, snapshot.LabelReference)
	ops, err := diff.Diff(ref, scan(t, targetRoot, snapshot.LabelTarget))
	require.NoError(t, err)

	_, err = New(osfs.New(targetRoot), osfs.New(refRoot), nil, false).Apply(context.Background(), ops)
	require.NoError(t, err)

	return ref, scan(t, targetRoot, snapshot.LabelTarget), ops
}

func randomTree(r *rand.Rand) map[string]string {
	files := map[string]string{}
	dirs := []string{""}
	for i := 0; i < 3+r.Intn(6); i++ {
		dirs = append(dirs, fmt.Sprintf("%sd%d/", dirs[r.Intn(len(dirs))], r.Intn(3)))
	}
	for i := 0; i < 2+r.Intn(10); i++ {
		files[fmt.Sprintf("%sf%d", dirs[r.Intn(len(dirs))], r.Intn(5))] = fmt.Sprintf("content-%d", r.Intn(4))
	}
	if r.Intn(3) == 0 {
		files[dirs[r.Intn(len(dirs))]+"empty/"] = ""
	}
	return files
}

func TestApply_ReachesReference(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 25; i++ {
		refFiles, targetFiles := randomTree(r), randomTree(r)
		ref, synced, _ := syncTrees(t, refFiles, targetFiles)
		assert.True(t, snapshot.Equal(ref, synced), "ref %v target %v", refFiles, targetFiles)
	}
}

func TestApply_Scenarios(t *testing.T) {
	tests := []struct {
		name   string
		ref    map[string]string
		target map[string]string
	}{
		{
			name:   "move",
			ref:    map[string]string{"a.txt": "X", "b.txt": "Y"},
			target: map[string]string{"b.txt": "Y", "c.txt": "X"},
		},
		{
			name:   "empty reference",
			ref:    map[string]string{},
			target: map[string]string{"dir/f.txt": "f"},
		},
		{
			name:   "file replaced by directory",
			ref:    map[string]string{"x/inner": "I"},
			target: map[string]string{"x": "I"},
		},
		{
			name:   "directory replaced by file",
			ref:    map[string]string{"x": "F"},
			target: map[string]string{"x/a/b": "1", "x/c": "F"},
		},
		{
			name:   "duplicates",
			ref:    map[string]string{"one": "D", "two": "D", "sub/three": "D"},
			target: map[string]string{"z1": "D", "z2": "D"},
		},
		{
			name:   "swap contents",
			ref:    map[string]string{"a": "1", "b": "2"},
			target: map[string]string{"a": "2", "b": "1"},
		},
		{
			name:   "empty directories",
			ref:    map[string]string{"keep/": "", "new/nested/": ""},
			target: map[string]string{"keep/": "", "gone/deeper/": ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, synced, _ := syncTrees(t, tt.ref, tt.target)
			assert.True(t, snapshot.Equal(ref, synced))
		})
	}
}

func TestApply_MoveDoesNotReadReference(t *testing.T) {
	targetRoot := t.TempDir()
	testutil.WriteTree(t, targetRoot, map[string]string{"b.txt": "Y", "c.txt": "X"})

	ref := testutil.Snapshot(t, snapshot.LabelReference, map[string]string{"a.txt": "X", "b.txt": "Y"})
	ops, err := diff.Diff(ref, scan(t, targetRoot, snapshot.LabelTarget))
	require.NoError(t, err)

	res, err := New(osfs.New(targetRoot), nil, nil, false).Apply(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.True(t, snapshot.Equal(ref, scan(t, targetRoot, snapshot.LabelTarget)))
}

func TestApply_CopyDetectsChangedSource(t *testing.T) {
	refRoot, targetRoot := t.TempDir(), t.TempDir()
	testutil.WriteTree(t, refRoot, map[string]string{"a.txt": "changed after capture"})

	ops := []diff.Operation{{Kind: diff.KindCopy, Path: "a.txt", Source: diff.SourceReference, Digest: digest.FromString("captured")}}
	_, err := New(osfs.New(targetRoot), osfs.New(refRoot), nil, false).Apply(context.Background(), ops)
	require.ErrorIs(t, err, ErrDigestMismatch)

	entries, err := os.ReadDir(targetRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial file or temp file may remain")
}

func TestApply_CopyPreservesPermissions(t *testing.T) {
	refRoot, targetRoot := t.TempDir(), t.TempDir()
	testutil.WriteTree(t, refRoot, map[string]string{"run.sh": "#!/bin/sh\n"})
	require.NoError(t, os.Chmod(filepath.Join(refRoot, "run.sh"), 0o750))

	ops := []diff.Operation{{Kind: diff.KindCopy, Path: "run.sh", Source: diff.SourceReference, Digest: digest.FromString("#!/bin/sh\n")}}
	res, err := New(NewOSFilesystem(targetRoot), osfs.New(refRoot), nil, false).Apply(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, int64(len("#!/bin/sh\n")), res.Bytes)

	info, err := os.Stat(filepath.Join(targetRoot, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())
}

func TestApply_CopyWithoutChmodSupport(t *testing.T) {
	refRoot, targetRoot := t.TempDir(), t.TempDir()
	testutil.WriteTree(t, refRoot, map[string]string{"nested/run.sh": "#!/bin/sh\n"})
	require.NoError(t, os.Chmod(filepath.Join(refRoot, "nested", "run.sh"), 0o750))
	require.NoError(t, os.Mkdir(filepath.Join(targetRoot, "nested"), 0o755))

	ops := []diff.Operation{{Kind: diff.KindCopy, Path: "nested/run.sh", Source: diff.SourceReference, Digest: digest.FromString("#!/bin/sh\n")}}
	_, err := New(osfs.New(targetRoot), osfs.New(refRoot), nil, false).Apply(context.Background(), ops)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(targetRoot, "nested", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(got))
}

func TestOSFilesystem_ChmodBelowRoot(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string]string{"dir/tool": "x"})

	fs := NewOSFilesystem(root)
	require.NoError(t, fs.Chmod("dir/tool", 0o700))

	info, err := os.Stat(filepath.Join(root, "dir", "tool"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	info, err = fs.Stat("dir/tool")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Size())
}

func TestApply_DryRunChangesNothing(t *testing.T) {
	targetRoot := t.TempDir()
	testutil.WriteTree(t, targetRoot, map[string]string{"stray": "s"})

	ops := []diff.Operation{
		{Kind: diff.KindCreateDirectory, Path: "new"},
		{Kind: diff.KindDelete, Path: "stray", Entry: walker.KindFile},
	}
	res, err := New(osfs.New(targetRoot), nil, nil, true).Apply(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)

	_, err = os.Stat(filepath.Join(targetRoot, "stray"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(targetRoot, "new"))
	assert.True(t, os.IsNotExist(err))
}

func TestApply_StopsAtFirstFailure(t *testing.T) {
	targetRoot := t.TempDir()
	ops := []diff.Operation{
		{Kind: diff.KindCreateDirectory, Path: "a"},
		{Kind: diff.KindMove, Path: "a/x", From: "missing"},
		{Kind: diff.KindCreateDirectory, Path: "b"},
	}
	res, err := New(osfs.New(targetRoot), nil, nil, false).Apply(context.Background(), ops)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "move missing -> a/x")
	assert.Equal(t, 1, res.Applied)

	_, err = os.Stat(filepath.Join(targetRoot, "b"))
	assert.True(t, os.IsNotExist(err))
}

func TestApply_ReferenceCopyWithoutReferenceTree(t *testing.T) {
	ops := []diff.Operation{{Kind: diff.KindCopy, Path: "a", Source: diff.SourceReference, Digest: digest.FromString("a")}}
	_, err := New(osfs.New(t.TempDir()), nil, nil, false).Apply(context.Background(), ops)
	assert.Error(t, err)
}

func TestApply_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(osfs.New(t.TempDir()), nil, nil, false).Apply(ctx, []diff.Operation{{Kind: diff.KindCreateDirectory, Path: "a"}})
	assert.ErrorIs(t, err, context.Canceled)
}
