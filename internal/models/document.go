// Package models defines core data structures for documents, chunks, and search results.
package models

import "time"

// Status is the lifecycle state of a Document.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
	StatusDeleted    Status = "deleted"
)

// Terminal reports whether no further pipeline transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError || s == StatusDeleted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusReady, StatusError, StatusDeleted:
		return true
	}
	return false
}

// Document is an uploaded file and the state of its ingestion.
type Document struct {
	ID             string     `json:"id" db:"id"`
	OwnerID        string     `json:"owner_id" db:"owner_id"`
	Title          string     `json:"title" db:"title"`
	Filename       string     `json:"filename" db:"filename"`
	FileType       string     `json:"file_type" db:"file_type"`
	FileSize       int64      `json:"file_size" db:"file_size"`
	StoragePath    string     `json:"-" db:"storage_path"`
	Checksum       string     `json:"checksum,omitempty" db:"checksum"`
	Status         Status     `json:"status" db:"status"`
	Progress       int        `json:"processing_progress" db:"processing_progress"`
	ErrorMessage   string     `json:"error_message,omitempty" db:"error_message"`
	PageCount      int        `json:"page_count" db:"page_count"`
	WordCount      int        `json:"word_count" db:"word_count"`
	ChunkCount     int        `json:"chunk_count" db:"chunk_count"`
	IsIndexed      bool       `json:"is_indexed" db:"is_indexed"`
	EmbeddingModel string     `json:"embedding_model,omitempty" db:"embedding_model"`
	QueryCount     int64      `json:"query_count" db:"query_count"`
	UploadedAt     time.Time  `json:"uploaded_at" db:"uploaded_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	LastAccessed   *time.Time `json:"last_accessed,omitempty" db:"last_accessed"`
}

// Chunk is a contiguous span of a document's extracted text and its vector reference.
type Chunk struct {
	ID             string    `json:"id" db:"id"`
	DocumentID     string    `json:"document_id" db:"document_id"`
	ChunkIndex     int       `json:"chunk_index" db:"chunk_index"`
	Content        string    `json:"content" db:"content"`
	ChunkSize      int       `json:"chunk_size" db:"chunk_size"`
	PageNumber     *int      `json:"page_number,omitempty" db:"page_number"`
	VectorID       int64     `json:"vector_id" db:"vector_id"`
	EmbeddingModel string    `json:"embedding_model" db:"embedding_model"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// DocumentStatus is the externally visible processing summary of a document.
type DocumentStatus struct {
	ID           string `json:"id"`
	Status       Status `json:"status"`
	Progress     int    `json:"progress"`
	ErrorMessage string `json:"error_message,omitempty"`
	ChunkCount   int    `json:"chunk_count"`
	WordCount    int    `json:"word_count"`
	IsIndexed    bool   `json:"is_indexed"`
}

// StatusOf summarises doc for status polling.
func StatusOf(doc *Document) DocumentStatus {
	return DocumentStatus{
		ID:           doc.ID,
		Status:       doc.Status,
		Progress:     doc.Progress,
		ErrorMessage: doc.ErrorMessage,
		ChunkCount:   doc.ChunkCount,
		WordCount:    doc.WordCount,
		IsIndexed:    doc.IsIndexed,
	}
}
