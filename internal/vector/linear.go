package vector

import (
	"context"
	"sort"
)

// LinearIndex is the naive fallback: it scores every live row and sorts them all.
type LinearIndex struct {
	table
}

// NewLinearIndex creates a linear-scan index. dimensions may be 0.
func NewLinearIndex(dimensions int) *LinearIndex {
	l := &LinearIndex{}
	l.init(dimensions)
	return l
}

// Type returns IndexTypeLinear.
func (l *LinearIndex) Type() IndexType { return IndexTypeLinear }

// Stats summarises the index.
func (l *LinearIndex) Stats() Stats { return l.stats(IndexTypeLinear) }

// Search returns the top-k live rows by inner product.
func (l *LinearIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	q, err := l.prepareQuery(query, k)
	if q == nil {
		return nil, err
	}

	hits := make([]Hit, 0, l.nLive)
	for i, id := range l.ids {
		if l.live[i] {
			hits = append(hits, Hit{ID: id, Score: InnerProduct(q, l.row(i))})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return ranksBefore(hits[i], hits[j]) })
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}
