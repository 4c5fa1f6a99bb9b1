package search

import (
	"github.com/hyperjump/intellidoc/internal/keyword"
)

// ChunkKey identifies a chunk independently of its vector id.
type ChunkKey struct {
	DocumentID string
	ChunkIndex int
}

// FusedScore holds the keyword and semantic parts of a hybrid score.
type FusedScore struct {
	Score         float64
	KeywordScore  float64
	SemanticScore float64
}

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(results []*keyword.Result) map[ChunkKey]float64 {
	normalized := make(map[ChunkKey]float64, len(results))
	if len(results) == 0 {
		return normalized
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	for _, r := range results {
		key := ChunkKey{DocumentID: r.DocumentID, ChunkIndex: r.ChunkIndex}
		if maxScore > 0 {
			normalized[key] = r.Score / maxScore
		} else {
			normalized[key] = 0
		}
	}
	return normalized
}

// Fuse merges keyword and semantic scores per chunk. Semantic scores are cosine
// similarities; negative values count as 0.
func Fuse(keywordScores, semanticScores map[ChunkKey]float64, keywordWeight float64) map[ChunkKey]FusedScore {
	fused := make(map[ChunkKey]FusedScore, len(keywordScores)+len(semanticScores))
	for key, score := range keywordScores {
		fused[key] = FusedScore{KeywordScore: score}
	}
	for key, score := range semanticScores {
		if score < 0 {
			score = 0
		}
		f := fused[key]
		f.SemanticScore = score
		fused[key] = f
	}
	for key, f := range fused {
		f.Score = keywordWeight*f.KeywordScore + (1-keywordWeight)*f.SemanticScore
		fused[key] = f
	}
	return fused
}
