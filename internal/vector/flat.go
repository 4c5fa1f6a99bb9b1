package vector

import (
	"container/heap"
	"context"
	"sort"
)

// FlatIndex is an exact index over one contiguous buffer. Search keeps a bounded
// min-heap of the best k rows, so it allocates O(k) regardless of index size.
type FlatIndex struct {
	table
}

// NewFlatIndex creates a flat index. dimensions may be 0.
func NewFlatIndex(dimensions int) *FlatIndex {
	f := &FlatIndex{}
	f.init(dimensions)
	return f
}

// Type returns IndexTypeFlat.
func (f *FlatIndex) Type() IndexType { return IndexTypeFlat }

// Stats summarises the index.
func (f *FlatIndex) Stats() Stats { return f.stats(IndexTypeFlat) }

// Search returns the top-k live rows by inner product.
func (f *FlatIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, err := f.prepareQuery(query, k)
	if q == nil {
		return nil, err
	}

	h := make(hitHeap, 0, min(k, f.nLive))
	for i, id := range f.ids {
		if !f.live[i] {
			continue
		}
		hit := Hit{ID: id, Score: InnerProduct(q, f.row(i))}
		if len(h) < k {
			heap.Push(&h, hit)
		} else if ranksBefore(hit, h[0]) {
			h[0] = hit
			heap.Fix(&h, 0)
		}
	}
	out := []Hit(h)
	sort.Slice(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })
	return out, nil
}

// hitHeap keeps the worst retained hit at the root.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return ranksBefore(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
