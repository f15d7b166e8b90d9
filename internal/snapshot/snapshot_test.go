package snapshot

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/treesync/internal/hasher"
	"github.com/schaermu/treesync/internal/walker"
)

var mod = time.Date(2026, 9, 30, 8, 0, 0, 0, time.UTC)

func dir(p string) walker.Entry {
	return walker.Entry{Path: p, Kind: walker.KindDirectory, ModTime: mod}
}

func file(p string, size int64) walker.Entry {
	return walker.Entry{Path: p, Kind: walker.KindFile, Size: size, ModTime: mod}
}

func result(p, content string) hasher.Result {
	return hasher.Result{Path: p, Size: int64(len(content)), ModTime: mod, Digest: digest.FromString(content)}
}

func TestBuild_JoinsEntriesAndDigests(t *testing.T) {
	id := uuid.New()
	snap, err := Build(Input{
		Label:   LabelReference,
		Root:    "/srv/ref",
		Entries: []walker.Entry{dir("a"), file("a/x.txt", 1), file("a.txt", 2), dir("a/b"), file("a/b/y", 3)},
		Results: []hasher.Result{result("a/b/y", "yyy"), result("a.txt", "aa"), result("a/x.txt", "x")},
		ID:      id,
		Created: mod,
	})
	require.NoError(t, err)

	assert.Equal(t, LabelReference, snap.Label())
	assert.Equal(t, id, snap.ID())
	assert.Equal(t, FormatVersion, snap.Meta().Version)
	assert.Equal(t, "/srv/ref", snap.Meta().Root)
	assert.Equal(t, 5, snap.Len())

	var paths []string
	for _, r := range snap.Records() {
		paths = append(paths, r.Path)
	}
	assert.Equal(t, []string{"a", "a.txt", "a/b", "a/b/y", "a/x.txt"}, paths)

	rec, ok := snap.Lookup("a/b/y")
	require.True(t, ok)
	assert.Equal(t, walker.KindFile, rec.Kind)
	assert.Equal(t, digest.FromString("yyy"), rec.Digest)
	assert.Equal(t, int64(3), rec.Size)
	require.NotNil(t, rec.Hint)
	assert.Equal(t, mod, rec.Hint.ModTime)

	d, ok := snap.Lookup("a")
	require.True(t, ok)
	assert.True(t, d.IsDir())
	assert.Empty(t, d.Digest)

	_, ok = snap.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, Stats{Files: 3, Directories: 2, Bytes: 6}, snap.Stats())
}

func TestBuild_IndependentOfInputOrder(t *testing.T) {
	entries := []walker.Entry{dir("d"), file("d/1", 1), file("d/2", 1), file("z", 1)}
	results := []hasher.Result{result("d/1", "1"), result("d/2", "2"), result("z", "z")}

	first, err := Build(Input{Label: LabelTarget, Entries: entries, Results: results})
	require.NoError(t, err)

	reversedEntries := []walker.Entry{file("z", 1), file("d/2", 1), file("d/1", 1), dir("d")}
	reversedResults := []hasher.Result{results[2], results[0], results[1]}
	second, err := Build(Input{Label: LabelTarget, Entries: reversedEntries, Results: reversedResults})
	require.NoError(t, err)

	assert.Equal(t, first.Records(), second.Records())
	assert.True(t, Equal(first, second))
}

func TestBuild_RejectsInvalidTrees(t *testing.T) {
	tests := []struct {
		name    string
		entries []walker.Entry
		results []hasher.Result
	}{
		{
			name:    "duplicate path",
			entries: []walker.Entry{file("a", 1), file("a", 1)},
			results: []hasher.Result{result("a", "a")},
		},
		{
			name:    "missing ancestor directory",
			entries: []walker.Entry{dir("a"), file("a/b/c", 1)},
			results: []hasher.Result{result("a/b/c", "c")},
		},
		{
			name:    "file as parent",
			entries: []walker.Entry{file("a", 1), file("a/b", 1)},
			results: []hasher.Result{result("a", "a"), result("a/b", "b")},
		},
		{
			name:    "digest for unknown path",
			entries: []walker.Entry{file("a", 1)},
			results: []hasher.Result{result("a", "a"), result("b", "b")},
		},
		{
			name:    "digest for directory",
			entries: []walker.Entry{dir("a")},
			results: []hasher.Result{result("a", "a")},
		},
		{
			name:    "file without digest",
			entries: []walker.Entry{file("a", 1), file("b", 1)},
			results: []hasher.Result{result("a", "a")},
		},
		{
			name:    "empty digest",
			entries: []walker.Entry{file("a", 1)},
			results: []hasher.Result{{Path: "a"}},
		},
		{
			name:    "absolute path",
			entries: []walker.Entry{dir("/etc")},
		},
		{
			name:    "escaping path",
			entries: []walker.Entry{dir("../up")},
		},
		{
			name:    "unclean path",
			entries: []walker.Entry{dir("a"), dir("a//b")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(Input{Label: LabelTarget, Entries: tt.entries, Results: tt.results})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTree)
		})
	}
}

func TestBuild_UnreadableEntries(t *testing.T) {
	snap, err := Build(Input{
		Label:   LabelTarget,
		Entries: []walker.Entry{dir("locked"), file("secret", 4), file("ok", 2)},
		Results: []hasher.Result{
			{Path: "secret", Size: 4, ModTime: mod, Err: errors.New("permission denied")},
			result("ok", "ok"),
		},
		Issues: []*walker.EntryError{
			{Path: "locked", Err: errors.New("permission denied")},
			{Path: "not-walked", Err: errors.New("ignored")},
		},
	})
	require.NoError(t, err)

	secret, _ := snap.Lookup("secret")
	assert.True(t, secret.Unreadable())
	assert.Empty(t, secret.Digest)
	assert.Equal(t, int64(4), secret.Size)
	assert.Nil(t, secret.Hint)

	locked, _ := snap.Lookup("locked")
	assert.True(t, locked.Unreadable())

	ok, _ := snap.Lookup("ok")
	assert.False(t, ok.Unreadable())

	unreadable := snap.Unreadable()
	require.Len(t, unreadable, 2)
	assert.Equal(t, "locked", unreadable[0].Path)
	assert.Equal(t, "secret", unreadable[1].Path)
}

func TestSnapshot_RecordsIsACopy(t *testing.T) {
	snap, err := Build(Input{Label: LabelTarget, Entries: []walker.Entry{file("a", 1)}, Results: []hasher.Result{result("a", "a")}})
	require.NoError(t, err)

	recs := snap.Records()
	recs[0].Path = "mutated"

	rec, ok := snap.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "a", rec.Path)
	assert.Equal(t, "a", snap.Records()[0].Path)
}

func TestEqual_IgnoresMetadata(t *testing.T) {
	in := Input{Entries: []walker.Entry{dir("d"), file("d/f", 1)}, Results: []hasher.Result{result("d/f", "f")}}

	in.Label = LabelReference
	ref, err := Build(in)
	require.NoError(t, err)

	in.Label = LabelTarget
	in.Results = []hasher.Result{{Path: "d/f", Size: 1, ModTime: mod.Add(time.Hour), Digest: digest.FromString("f")}}
	target, err := Build(in)
	require.NoError(t, err)

	assert.True(t, Equal(ref, target))

	in.Results = []hasher.Result{result("d/f", "changed")}
	changed, err := Build(in)
	require.NoError(t, err)
	assert.False(t, Equal(ref, changed))

	assert.False(t, Equal(ref, Empty(LabelTarget)))
	assert.True(t, Equal(Empty(LabelReference), Empty(LabelTarget)))
}

func TestRestore(t *testing.T) {
	meta := Meta{Version: FormatVersion, ID: uuid.New(), Label: LabelReference, Created: mod}

	t.Run("valid records are sorted", func(t *testing.T) {
		snap, err := Restore(meta, []FileRecord{
			{Path: "d/f", Kind: walker.KindFile, Size: 1, Digest: digest.FromString("f")},
			{Path: "d", Kind: walker.KindDirectory},
			{Path: "bad", Kind: walker.KindFile, Size: 3, Error: "permission denied"},
		})
		require.NoError(t, err)
		assert.Equal(t, meta, snap.Meta())
		assert.Equal(t, "bad", snap.Records()[0].Path)
	})

	invalid := map[string][]FileRecord{
		"directory with digest": {{Path: "d", Kind: walker.KindDirectory, Digest: digest.FromString("x")}},
		"file without digest":   {{Path: "f", Kind: walker.KindFile}},
		"malformed digest":      {{Path: "f", Kind: walker.KindFile, Digest: "sha256:nothex"}},
		"unknown kind":          {{Path: "f", Kind: "symlink"}},
		"unreadable with digest": {
			{Path: "f", Kind: walker.KindFile, Digest: digest.FromString("f"), Error: "boom"},
		},
		"orphan": {{Path: "d/f", Kind: walker.KindFile, Digest: digest.FromString("f")}},
	}
	for name, records := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := Restore(meta, records)
			assert.ErrorIs(t, err, ErrInvalidTree)
		})
	}

	t.Run("missing version", func(t *testing.T) {
		_, err := Restore(Meta{Label: LabelReference}, nil)
		assert.ErrorIs(t, err, ErrInvalidTree)
	})
}
