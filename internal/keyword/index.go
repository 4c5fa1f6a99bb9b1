// Package keyword provides a best-effort full-text index over document chunks.
package keyword

import (
	"context"

	"github.com/hyperjump/intellidoc/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// OwnerID restricts hits to one owner's chunks when set.
	OwnerID string
	// DocumentIDs restricts hits to these documents when non-empty.
	DocumentIDs []string
	// TitleBoost multiplies the score contribution from matches in the document title.
	// Values > 1 make title matches rank higher (e.g. 3.0). Use 1.0 for no boost.
	TitleBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein edit distance for fuzzy matching (1 or 2).
	// Default is 2 when FuzzyEnabled is true.
	Fuzziness int
}

// Index defines keyword indexing over chunks. Entries are keyed by document id
// and chunk index, so re-indexing a document replaces its previous entries.
type Index interface {
	IndexChunks(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error
	DeleteDocument(ctx context.Context, docID string) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error)
	// DocCount returns the total number of chunk entries in the index.
	DocCount() (uint64, error)
	Close() error
}

// Result is a single keyword search hit.
type Result struct {
	DocumentID string
	ChunkIndex int
	Score      float64
}
