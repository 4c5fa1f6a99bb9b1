// Package ingest turns stored documents into indexed chunks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/embedding"
	"github.com/hyperjump/intellidoc/internal/extract"
	"github.com/hyperjump/intellidoc/internal/keyword"
	"github.com/hyperjump/intellidoc/internal/models"
	"github.com/hyperjump/intellidoc/internal/storage"
	"github.com/hyperjump/intellidoc/internal/vector"
)

// Progress checkpoints reported by a run.
const (
	ProgressStarted   = 10
	ProgressExtracted = 50
	ProgressChunked   = 70
	ProgressEmbedded  = 85
	ProgressIndexed   = 95
	ProgressDone      = 100
)

// RunOptions controls a single ingestion run.
type RunOptions struct {
	// Force re-runs a document that is already ready.
	Force bool
	// OnProgress is called after each checkpoint is stored, in increasing order.
	OnProgress func(progress int)
}

// Pipeline runs extraction, chunking, embedding and indexing for one document at a time.
// Runs for different documents may execute concurrently; callers must not run the
// same document twice at once.
type Pipeline struct {
	store     storage.Storage
	extractor *extract.Extractor
	chunker   *Chunker
	embedder  embedding.Embedder
	index     vector.Index
	persister *vector.Persister
	keywords  keyword.Index
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a logger for stage transitions and outcomes.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithPersister saves the vector index after every write.
func WithPersister(ps *vector.Persister) Option {
	return func(p *Pipeline) { p.persister = ps }
}

// WithKeywordIndex mirrors committed chunks into a keyword index.
func WithKeywordIndex(k keyword.Index) Option {
	return func(p *Pipeline) { p.keywords = k }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline over the given components.
func NewPipeline(
	store storage.Storage,
	extractor *extract.Extractor,
	chunker *Chunker,
	embedder embedding.Embedder,
	index vector.Index,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		store:     store,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run ingests one document and returns it in its final ready state. On error the
// document is left as it was at the failing step; the caller decides between retry
// and Fail based on Classify. No chunks or vectors of a failed run remain visible.
func (p *Pipeline) Run(ctx context.Context, docID string, opts RunOptions) (*models.Document, error) {
	log := p.logger.With(zap.String("document_id", docID))

	doc, err := p.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, abortIfGone(err)
	}
	switch {
	case doc.Status == models.StatusDeleted:
		return nil, ErrAborted
	case doc.Status == models.StatusReady && !opts.Force:
		return doc, ErrAlreadyIndexed
	}

	report := func(progress int) error {
		if err := p.store.UpdateProgress(ctx, docID, progress); err != nil {
			return abortIfGone(err)
		}
		p.progress(opts, progress)
		return nil
	}

	if err := p.store.StartProcessing(ctx, docID, ProgressStarted); err != nil {
		return nil, abortIfGone(err)
	}
	p.progress(opts, ProgressStarted)
	log.Debug("ingest started", zap.String("file_type", doc.FileType))

	res := p.extractor.ExtractNamed(doc.StoragePath, doc.Filename, doc.FileType)
	if err := p.store.RecordExtraction(ctx, docID, res.PageCount, res.WordCount, ProgressExtracted); err != nil {
		return nil, abortIfGone(err)
	}
	p.progress(opts, ProgressExtracted)
	log.Debug("ingest extracted",
		zap.Int("pages", res.PageCount),
		zap.Int("words", res.WordCount),
		zap.Bool("fallback", res.Fallback))

	chunks := p.chunker.Chunk(docID, res.Text)
	if len(chunks) == 0 {
		return nil, ErrNoContent
	}
	if err := report(ProgressChunked); err != nil {
		return nil, err
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(chunks))
	}
	if err := report(ProgressEmbedded); err != nil {
		return nil, err
	}

	ids, err := p.write(ctx, doc, chunks, vectors)
	if err != nil {
		return nil, err
	}

	if err := report(ProgressIndexed); err != nil {
		p.rollback(ids, log)
		return nil, err
	}

	model := p.embedder.Model()
	for _, ch := range chunks {
		ch.EmbeddingModel = model
	}
	commit := storage.Commit{
		DocumentID:     docID,
		Chunks:         chunks,
		EmbeddingModel: model,
		PageCount:      res.PageCount,
		WordCount:      res.WordCount,
		ProcessedAt:    p.now(),
	}
	if err := p.store.CommitIngestion(ctx, commit); err != nil {
		p.rollback(ids, log)
		return nil, abortIfGone(fmt.Errorf("commit chunks: %w", err))
	}
	p.progress(opts, ProgressDone)

	if p.keywords != nil {
		if err := p.keywords.IndexChunks(ctx, doc, chunks); err != nil {
			log.Warn("keyword index update failed", zap.Error(err))
		}
	}

	final, err := p.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, abortIfGone(err)
	}
	log.Info("ingest completed",
		zap.Int("chunks", final.ChunkCount),
		zap.Int64("first_vector_id", ids[0]))
	return final, nil
}

// write invalidates the document's previous vectors, appends the new ones and
// persists the index. It returns the assigned ids and sets them on chunks.
func (p *Pipeline) write(ctx context.Context, doc *models.Document, chunks []*models.Chunk, vectors [][]float32) ([]int64, error) {
	if n := p.index.InvalidateDocument(doc.ID); n > 0 {
		p.logger.Debug("invalidated previous vectors",
			zap.String("document_id", doc.ID), zap.Int("count", n))
	}

	refs := make([]vector.Ref, len(chunks))
	for i, ch := range chunks {
		refs[i] = vector.Ref{DocumentID: doc.ID, ChunkIndex: ch.ChunkIndex}
	}
	start, err := p.index.Add(ctx, vectors, refs)
	if err != nil {
		return nil, fmt.Errorf("add vectors: %w", err)
	}
	ids := make([]int64, len(chunks))
	for i, ch := range chunks {
		ids[i] = start + int64(i)
		ch.VectorID = ids[i]
	}
	if p.persister != nil {
		if err := p.persister.Save(p.index); err != nil {
			p.index.Invalidate(ids)
			return nil, fmt.Errorf("save vector index: %w", err)
		}
	}
	return ids, nil
}

// rollback tombstones vectors written by a run that did not commit.
func (p *Pipeline) rollback(ids []int64, log *zap.Logger) {
	p.index.Invalidate(ids)
	if p.persister == nil {
		return
	}
	if err := p.persister.Save(p.index); err != nil {
		log.Warn("save after rollback failed", zap.Error(err))
	}
}

func (p *Pipeline) progress(opts RunOptions, progress int) {
	if opts.OnProgress != nil {
		opts.OnProgress(progress)
	}
}

// Fail moves the document to error with a message derived from cause. A document
// deleted in the meantime is left alone.
func (p *Pipeline) Fail(ctx context.Context, docID string, cause error) error {
	msg := UserMessage(cause)
	err := p.store.FailDocument(ctx, docID, msg)
	if errors.Is(err, storage.ErrDocumentDeleted) || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	p.logger.Warn("ingest failed",
		zap.String("document_id", docID),
		zap.String("class", Classify(cause).String()),
		zap.Error(cause))
	return nil
}

// Purge removes a document's vectors and keyword entries. Used on delete and
// before reprocessing.
func (p *Pipeline) Purge(ctx context.Context, docID string) error {
	n := p.index.InvalidateDocument(docID)
	if n > 0 && p.persister != nil {
		if err := p.persister.Save(p.index); err != nil {
			return fmt.Errorf("save vector index: %w", err)
		}
	}
	if p.keywords != nil {
		if err := p.keywords.DeleteDocument(ctx, docID); err != nil {
			p.logger.Warn("keyword delete failed", zap.String("document_id", docID), zap.Error(err))
		}
	}
	p.logger.Debug("document purged", zap.String("document_id", docID), zap.Int("vectors", n))
	return nil
}

// abortIfGone marks errors from a document that was deleted, vanished or moved
// out of processing by someone else as aborting the run.
func abortIfGone(err error) error {
	if errors.Is(err, storage.ErrDocumentDeleted) || errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrStateChanged) {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return err
}
