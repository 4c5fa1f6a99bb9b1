// Package storage defines the persistence interface for documents and chunks.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/intellidoc/internal/models"
)

var (
	// ErrNotFound is returned when a document or chunk does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDocumentDeleted is returned when a pipeline transition targets a deleted document.
	ErrDocumentDeleted = errors.New("document deleted")
	// ErrStateChanged is returned when a pipeline transition finds the document
	// in a status it did not expect, such as one moved to error by the stale sweep.
	ErrStateChanged = errors.New("document state changed")
)

// Commit is the all-or-nothing result of a successful ingestion run.
type Commit struct {
	DocumentID     string
	Chunks         []*models.Chunk
	EmbeddingModel string
	PageCount      int
	WordCount      int
	ProcessedAt    time.Time
}

// Usage is an owner's current footprint, used by admission checks.
type Usage struct {
	Documents int
	Bytes     int64
}

// Storage defines document and chunk persistence operations.
type Storage interface {
	// Document operations
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
	ListDocuments(ctx context.Context, ownerID string, offset, limit int) ([]*models.Document, error)
	ReadyDocumentIDs(ctx context.Context, ownerID string) ([]string, error)
	FindByChecksum(ctx context.Context, ownerID, checksum string) (*models.Document, error)
	OwnerUsage(ctx context.Context, ownerID string) (Usage, error)

	// Pipeline transitions. Each returns ErrDocumentDeleted if the document was deleted.
	StartProcessing(ctx context.Context, id string, progress int) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	RecordExtraction(ctx context.Context, id string, pageCount, wordCount, progress int) error
	CommitIngestion(ctx context.Context, c Commit) error
	FailDocument(ctx context.Context, id, message string) error
	ResetForReprocess(ctx context.Context, id string) error

	// MarkDeleted sets the deleted status and drops the document's chunks.
	MarkDeleted(ctx context.Context, id string) (*models.Document, error)
	// MarkStale moves documents stuck in uploading or processing since before
	// cutoff to error and returns their ids. Documents for which skip reports
	// true are left alone; skip may be nil.
	MarkStale(ctx context.Context, cutoff time.Time, message string, skip func(id string) bool) ([]string, error)

	// Chunk operations
	GetChunksByDocumentID(ctx context.Context, docID string) ([]*models.Chunk, error)
	GetChunksByVectorIDs(ctx context.Context, vectorIDs []int64) (map[int64]*models.Chunk, error)
	CountChunksByDocumentID(ctx context.Context, docID string) (int, error)

	// RecordQuery bumps query_count and last_accessed for documents returned by a search.
	RecordQuery(ctx context.Context, docIDs []string, at time.Time) error

	// Stats
	CountDocuments(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
	CountChunks(ctx context.Context) (int64, error)

	Close() error
}
