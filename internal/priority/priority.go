// Package priority defines the scheduling hint consulted by the hasher.
// Scores only change the order in which files are hashed, never the result.
package priority

import (
	"math"
	"path"
	"sort"
	"strings"

	"github.com/schaermu/treesync/internal/walker"
)

// FileCandidate carries the features a Scorer may rank a pending file by
type FileCandidate struct {
	Path      string
	Size      int64
	Depth     int
	Extension string // lower case, including the dot
	AssetType string // optional domain tag, empty when unknown
}

// Scorer ranks pending hash work. Higher scores are hashed first.
type Scorer interface {
	Score(c FileCandidate) float64
}

// ScorerFunc adapts a function to the Scorer interface
type ScorerFunc func(c FileCandidate) float64

// Score implements Scorer
func (f ScorerFunc) Score(c FileCandidate) float64 {
	return f(c)
}

// SizeScorer favours large files so the longest hashes start first and the
// pool does not idle on a single straggler at the end of a run.
type SizeScorer struct{}

// Score implements Scorer
func (SizeScorer) Score(c FileCandidate) float64 {
	if c.Size <= 0 {
		return 0
	}
	return math.Log(float64(c.Size))
}

// NewCandidate derives the candidate features for a walked file entry
func NewCandidate(e walker.Entry) FileCandidate {
	ext := strings.ToLower(path.Ext(e.Path))
	return FileCandidate{
		Path:      e.Path,
		Size:      e.Size,
		Depth:     e.Depth(),
		Extension: ext,
		AssetType: AssetTypeForExtension(ext),
	}
}

// Order returns the indices of candidates in the order they should be
// hashed. A nil scorer keeps insertion order, and equal scores keep their
// relative order, so a constant scorer behaves exactly like no scorer.
func Order(candidates []FileCandidate, scorer Scorer) []int {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	if scorer == nil || len(candidates) < 2 {
		return order
	}

	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		s := scorer.Score(c)
		if math.IsNaN(s) {
			s = math.Inf(-1)
		}
		scores[i] = s
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order
}
