package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/intellidoc/pkg/utils"
)

// table is the state shared by both index variants: a contiguous row-major vector
// buffer with parallel id, reference and liveness columns.
type table struct {
	mu     sync.RWMutex
	dims   int
	nextID int64
	ids    []int64
	refs   []Ref
	live   []bool
	data   []float32
	rowOf  map[int64]int
	nLive  int
}

func (t *table) init(dims int) {
	t.dims = dims
	t.rowOf = make(map[int64]int)
}

// Add normalises and appends vectors under the write lock.
func (t *table) Add(ctx context.Context, vectors [][]float32, refs []Ref) (int64, error) {
	if len(vectors) != len(refs) {
		return 0, fmt.Errorf("vectors and refs length mismatch: %d != %d", len(vectors), len(refs))
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(vectors) == 0 {
		return t.nextID, nil
	}

	dims := t.dims
	if dims == 0 {
		dims = len(vectors[0])
		if dims == 0 {
			return 0, fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
		}
	}
	// Validate everything before mutating so a rejected batch leaves no trace.
	for i, v := range vectors {
		if len(v) != dims {
			return 0, fmt.Errorf("%w: vector %d has %d dimensions, index has %d", ErrDimensionMismatch, i, len(v), dims)
		}
	}
	t.dims = dims

	start := t.nextID
	for i, v := range vectors {
		row := make([]float32, dims)
		copy(row, v)
		utils.NormalizeL2(row)
		id := start + int64(i)
		t.rowOf[id] = len(t.ids)
		t.ids = append(t.ids, id)
		t.refs = append(t.refs, refs[i])
		t.live = append(t.live, true)
		t.data = append(t.data, row...)
	}
	t.nextID = start + int64(len(vectors))
	t.nLive += len(vectors)
	return start, nil
}

// prepareQuery validates a query under the read lock and returns a normalised copy.
// A nil query with a nil error means the search trivially has no results.
func (t *table) prepareQuery(query []float32, k int) ([]float32, error) {
	if k <= 0 || t.nLive == 0 {
		return nil, nil
	}
	if len(query) != t.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), t.dims)
	}
	q := make([]float32, len(query))
	copy(q, query)
	utils.NormalizeL2(q)
	return q, nil
}

func (t *table) row(i int) []float32 {
	return t.data[i*t.dims : (i+1)*t.dims]
}

// Lookup resolves a live id.
func (t *table) Lookup(id int64) (Ref, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.rowOf[id]
	if !ok || !t.live[i] {
		return Ref{}, false
	}
	return t.refs[i], true
}

// Invalidate tombstones ids.
func (t *table) Invalidate(ids []int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, id := range ids {
		if i, ok := t.rowOf[id]; ok && t.live[i] {
			t.live[i] = false
			n++
		}
	}
	t.nLive -= n
	return n
}

// InvalidateDocument tombstones all live rows referencing documentID.
func (t *table) InvalidateDocument(documentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i, ref := range t.refs {
		if t.live[i] && ref.DocumentID == documentID {
			t.live[i] = false
			n++
		}
	}
	t.nLive -= n
	return n
}

// Compact rewrites the columns without tombstoned rows.
func (t *table) Compact() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := len(t.ids) - t.nLive
	if dropped == 0 {
		return 0
	}
	ids := make([]int64, 0, t.nLive)
	refs := make([]Ref, 0, t.nLive)
	live := make([]bool, 0, t.nLive)
	data := make([]float32, 0, t.nLive*t.dims)
	rowOf := make(map[int64]int, t.nLive)
	for i, id := range t.ids {
		if !t.live[i] {
			continue
		}
		rowOf[id] = len(ids)
		ids = append(ids, id)
		refs = append(refs, t.refs[i])
		live = append(live, true)
		data = append(data, t.row(i)...)
	}
	t.ids, t.refs, t.live, t.data, t.rowOf = ids, refs, live, data, rowOf
	return dropped
}

// Dimensions returns the fixed dimension, or 0 before the first write.
func (t *table) Dimensions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dims
}

// Size returns the number of live vectors.
func (t *table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nLive
}

func (t *table) stats(typ IndexType) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{Type: typ, Dimensions: t.dims, Live: t.nLive, Total: len(t.ids), NextID: t.nextID}
}

// Snapshot deep-copies the table.
func (t *table) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Snapshot{
		Dimensions: t.dims,
		NextID:     t.nextID,
		IDs:        append([]int64(nil), t.ids...),
		Refs:       append([]Ref(nil), t.refs...),
		Live:       append([]bool(nil), t.live...),
		Vectors:    append([]float32(nil), t.data...),
	}
}

// Restore replaces the table with snap. A table whose dimension is already fixed
// only accepts snapshots of the same dimension.
func (t *table) Restore(snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dims != 0 && snap.Dimensions != 0 && t.dims != snap.Dimensions {
		return fmt.Errorf("%w: persisted index has %d dimensions, configured %d", ErrDimensionMismatch, snap.Dimensions, t.dims)
	}
	if snap.Dimensions != 0 {
		t.dims = snap.Dimensions
	}
	t.nextID = snap.NextID
	t.ids = append([]int64(nil), snap.IDs...)
	t.refs = append([]Ref(nil), snap.Refs...)
	t.live = append([]bool(nil), snap.Live...)
	t.data = append([]float32(nil), snap.Vectors...)
	t.rowOf = make(map[int64]int, len(t.ids))
	t.nLive = 0
	for i, id := range t.ids {
		t.rowOf[id] = i
		if t.live[i] {
			t.nLive++
		}
	}
	return nil
}

// Close releases the buffers.
func (t *table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids, t.refs, t.live, t.data = nil, nil, nil, nil
	t.rowOf = make(map[int64]int)
	t.nLive = 0
	return nil
}
