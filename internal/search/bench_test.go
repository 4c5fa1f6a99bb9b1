package search

import (
	"fmt"
	"testing"
)

func BenchmarkFuse(b *testing.B) {
	kw := make(map[ChunkKey]float64)
	sem := make(map[ChunkKey]float64)
	for i := 0; i < 100; i++ {
		key := ChunkKey{DocumentID: fmt.Sprintf("doc-%d", i%26), ChunkIndex: i}
		kw[key] = float64(i) / 100
		sem[key] = float64(100-i) / 100
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Fuse(kw, sem, 0.3)
	}
}
