// Package vector provides the append-only similarity index that maps vector ids
// to chunks, and its on-disk persistence.
//
// Vector ids start at 0, grow monotonically and are never reused, including
// across compaction and restarts. The dimension is fixed by the first write.
// Similarity is the inner product; every vector is L2-normalised on insert, so
// scores are cosine similarities in [-1, 1].
package vector

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the
	// index dimension. It is a configuration error and is not retried.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrUnsupportedFormat is returned when a persisted index has an unknown format.
	ErrUnsupportedFormat = errors.New("unsupported index format")
	// ErrCorruptIndex is returned when the two halves of a persisted index disagree.
	ErrCorruptIndex = errors.New("corrupt index")
)

// Ref locates the chunk a vector was computed from.
type Ref struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// Hit is a single search result.
type Hit struct {
	ID    int64
	Score float64
}

// Stats summarises an index.
type Stats struct {
	Type       IndexType `json:"index_type"`
	Dimensions int       `json:"dimension"`
	Live       int       `json:"live_vectors"`
	Total      int       `json:"total_vectors"`
	NextID     int64     `json:"next_id"`
}

// Index is an append-only vector store with nearest-neighbour search.
// All methods are safe for concurrent use. An Add is atomic with respect to Search:
// either all of its vectors are visible or none are.
type Index interface {
	// Add appends vectors with their chunk references and returns the id of the
	// first one; the rest follow consecutively.
	Add(ctx context.Context, vectors [][]float32, refs []Ref) (int64, error)
	// Search returns up to k live vectors by decreasing similarity. Ties are broken
	// by ascending id. An empty index yields no hits and no error.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	// Lookup resolves a live vector id.
	Lookup(id int64) (Ref, bool)
	// Invalidate tombstones ids and returns how many were live.
	Invalidate(ids []int64) int
	// InvalidateDocument tombstones every live vector of a document.
	InvalidateDocument(documentID string) int
	// Compact drops tombstoned rows. Surviving ids and the id counter are kept.
	Compact() int
	Dimensions() int
	// Size returns the number of live vectors.
	Size() int
	Stats() Stats
	Type() IndexType
	// Snapshot returns a deep copy of the full state, tombstones included.
	Snapshot() *Snapshot
	// Restore replaces the state with snap.
	Restore(snap *Snapshot) error
	Close() error
}

// Snapshot is the complete, serialisable state of an index. Vectors is row-major.
type Snapshot struct {
	Dimensions int
	NextID     int64
	IDs        []int64
	Refs       []Ref
	Live       []bool
	Vectors    []float32
}

// Validate checks that the snapshot's parallel slices agree.
func (s *Snapshot) Validate() error {
	n := len(s.IDs)
	if len(s.Refs) != n || len(s.Live) != n || len(s.Vectors) != n*s.Dimensions {
		return fmt.Errorf("%w: %d ids, %d refs, %d flags, %d floats at dimension %d",
			ErrCorruptIndex, n, len(s.Refs), len(s.Live), len(s.Vectors), s.Dimensions)
	}
	var prev int64 = -1
	for _, id := range s.IDs {
		if id <= prev || id >= s.NextID {
			return fmt.Errorf("%w: id %d out of order", ErrCorruptIndex, id)
		}
		prev = id
	}
	return nil
}
