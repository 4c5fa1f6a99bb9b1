package search

import (
	"math"
	"testing"

	"github.com/hyperjump/intellidoc/internal/keyword"
)

func TestNormalizeKeywordScores(t *testing.T) {
	results := []*keyword.Result{
		{DocumentID: "a", ChunkIndex: 0, Score: 2},
		{DocumentID: "b", ChunkIndex: 1, Score: 4},
		{DocumentID: "a", ChunkIndex: 2, Score: 1},
	}
	m := NormalizeKeywordScores(results)
	if m[ChunkKey{"b", 1}] != 1.0 {
		t.Errorf("max score should be 1.0, got %f", m[ChunkKey{"b", 1}])
	}
	if m[ChunkKey{"a", 0}] != 0.5 {
		t.Errorf("a#0 should be 0.5, got %f", m[ChunkKey{"a", 0}])
	}
	if len(m) != 3 {
		t.Errorf("expected 3 entries, got %d", len(m))
	}
	if len(NormalizeKeywordScores(nil)) != 0 {
		t.Error("nil input should give empty map")
	}
}

func TestFuse(t *testing.T) {
	kw := map[ChunkKey]float64{{"a", 0}: 1.0, {"b", 0}: 0.5}
	sem := map[ChunkKey]float64{{"a", 0}: 0.8, {"c", 0}: -0.2}
	fused := Fuse(kw, sem, 0.25)

	if len(fused) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(fused))
	}
	tests := []struct {
		key  ChunkKey
		want float64
	}{
		{ChunkKey{"a", 0}, 0.25*1.0 + 0.75*0.8},
		{ChunkKey{"b", 0}, 0.25 * 0.5},
		{ChunkKey{"c", 0}, 0},
	}
	for _, tt := range tests {
		if got := fused[tt.key].Score; math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%v: score %f, want %f", tt.key, got, tt.want)
		}
	}
}
