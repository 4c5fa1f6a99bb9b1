package ingest

import (
	"context"
	"errors"

	"github.com/hyperjump/intellidoc/internal/embedding"
	"github.com/hyperjump/intellidoc/internal/storage"
	"github.com/hyperjump/intellidoc/internal/vector"
)

var (
	// ErrAlreadyIndexed is returned when a run targets a ready document without Force.
	ErrAlreadyIndexed = errors.New("document already indexed")
	// ErrAborted is returned when the document was deleted, or moved out of
	// processing, while the run was in flight.
	ErrAborted = errors.New("ingestion aborted")
	// ErrNoContent is returned when chunking produced nothing to embed.
	ErrNoContent = errors.New("no content to index")
)

// Class is the retry category of a pipeline error.
type Class int

const (
	// ClassTransient errors are retried.
	ClassTransient Class = iota
	// ClassFatal errors finalize the document as error without retry.
	ClassFatal
	// ClassAborted errors end the run without touching the document.
	ClassAborted
)

func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassAborted:
		return "aborted"
	default:
		return "transient"
	}
}

// Classify maps a pipeline error to its retry category. Unknown errors are transient.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrAborted),
		errors.Is(err, storage.ErrDocumentDeleted),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrStateChanged),
		errors.Is(err, context.Canceled):
		return ClassAborted
	case errors.Is(err, vector.ErrDimensionMismatch),
		errors.Is(err, vector.ErrUnsupportedFormat),
		errors.Is(err, vector.ErrCorruptIndex),
		errors.Is(err, ErrNoContent),
		errors.Is(err, ErrAlreadyIndexed):
		return ClassFatal
	default:
		return ClassTransient
	}
}

// StaleMessage is stored on documents moved to error by the stale sweep.
const StaleMessage = "Processing timed out. Please reprocess the document."

// UserMessage returns a short message safe to show to the document's owner.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, vector.ErrDimensionMismatch):
		return "The embedding model does not match the search index configuration."
	case errors.Is(err, vector.ErrUnsupportedFormat), errors.Is(err, vector.ErrCorruptIndex):
		return "The search index could not be read."
	case errors.Is(err, ErrNoContent):
		return "No text could be extracted from this document."
	case errors.Is(err, embedding.ErrBackendUnavailable):
		return "The embedding service is unavailable. Please try again later."
	case errors.Is(err, context.DeadlineExceeded):
		return "Processing took too long and was stopped."
	default:
		return "Processing failed. Please try again later."
	}
}
