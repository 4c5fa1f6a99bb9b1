// Package app wires storage, indices, the ingestion pipeline, the job orchestrator
// and the services on top of them into one running engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/admission"
	"github.com/hyperjump/intellidoc/internal/config"
	"github.com/hyperjump/intellidoc/internal/documents"
	"github.com/hyperjump/intellidoc/internal/embedding"
	"github.com/hyperjump/intellidoc/internal/events"
	"github.com/hyperjump/intellidoc/internal/extract"
	"github.com/hyperjump/intellidoc/internal/ingest"
	"github.com/hyperjump/intellidoc/internal/jobs"
	"github.com/hyperjump/intellidoc/internal/keyword"
	"github.com/hyperjump/intellidoc/internal/models"
	"github.com/hyperjump/intellidoc/internal/search"
	"github.com/hyperjump/intellidoc/internal/storage"
	"github.com/hyperjump/intellidoc/internal/vector"
)

// App holds every long-lived component.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     *storage.SQLiteStorage
	Embedder  embedding.Embedder
	Index     vector.Index
	Persister *vector.Persister
	Keywords  *keyword.BleveIndex
	Pipeline  *ingest.Pipeline
	Jobs      *jobs.Orchestrator
	Bus       *events.Bus
	Search    *search.Service
	Documents *documents.Service
}

// Option configures New.
type Option func(*options)

type options struct {
	embedder embedding.Embedder
	sinks    []events.Sink
}

// WithEmbedder replaces the configured embedder.
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithSink adds an extra event sink next to the bus and the log.
func WithSink(s events.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// New builds the engine from cfg. The vector index is restored from the
// persisted generation when one exists. Call Start to begin processing.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.Storage.UploadDir, 0755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, Store: store}

	a.Embedder = o.embedder
	if a.Embedder == nil {
		a.Embedder, err = embedding.New(cfg.Embedding, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	index, err := vector.NewIndex(cfg.Vector.IndexType, a.Embedder.Dimensions())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Persister = vector.NewPersister(cfg.Storage.IndexDir, vector.WithLogger(logger))
	// Assigned only after a successful load so Close never overwrites a good
	// generation with an empty index.
	if err := a.Persister.Load(index); err != nil {
		a.Close()
		return nil, fmt.Errorf("load vector index: %w", err)
	}
	a.Index = index

	a.Keywords, err = keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open keyword index: %w", err)
	}

	a.Pipeline = ingest.NewPipeline(
		store,
		extract.NewExtractor(extract.WithLogger(logger)),
		ingest.NewChunker(cfg.Chunking.MaxChars, cfg.Chunking.Overlap),
		a.Embedder,
		a.Index,
		ingest.WithLogger(logger),
		ingest.WithPersister(a.Persister),
		ingest.WithKeywordIndex(a.Keywords),
	)

	a.Bus = events.NewBus()
	sinks := append([]events.Sink{a.Bus, events.NewLogSink(logger)}, o.sinks...)
	a.Jobs = jobs.NewOrchestrator(a.Pipeline, jobs.OptionsFromConfig(cfg.Jobs),
		jobs.WithLogger(logger),
		jobs.WithSink(events.Multi(sinks...)))

	searchOpts := []search.Option{
		search.WithLogger(logger),
		search.WithKeywordIndex(a.Keywords),
	}
	if cfg.Search.Suggest {
		searchOpts = append(searchOpts, search.WithSpellChecker(keyword.NewSpellChecker(a.Keywords)))
	}
	a.Search = search.NewService(store, a.Embedder, a.Index, cfg.Search, searchOpts...)
	a.Documents = documents.NewService(store, a.Jobs, a.Pipeline, cfg.Storage.UploadDir,
		documents.WithLogger(logger),
		documents.WithChecker(admission.NewPlanLimits(store, cfg.Admission)))

	logger.Info("engine ready",
		zap.String("vector_index", string(a.Index.Type())),
		zap.Int("vectors", a.Index.Size()),
		zap.String("embedding_model", a.Embedder.Model()))
	return a, nil
}

// Start launches the worker pool and re-schedules documents a previous process
// left unfinished.
func (a *App) Start(ctx context.Context) error {
	a.Jobs.Start(ctx)
	if _, err := a.Documents.Resume(ctx); err != nil {
		return fmt.Errorf("resume documents: %w", err)
	}
	return nil
}

// Query runs a search for q.OwnerID. An empty scope means every ready document
// of the owner; an explicit scope is narrowed to documents the owner holds.
func (a *App) Query(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	if q.OwnerID != "" {
		owned, err := a.Store.ReadyDocumentIDs(ctx, q.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("resolve scope: %w", err)
		}
		q.Scope = narrowScope(q.Scope, owned)
	} else if len(q.Scope) == 0 {
		all, err := a.Store.ReadyDocumentIDs(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("resolve scope: %w", err)
		}
		q.Scope = all
	}
	return a.Search.Query(ctx, q)
}

func narrowScope(requested, owned []string) []string {
	if len(requested) == 0 {
		return owned
	}
	allowed := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		allowed[id] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, id := range requested {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Sweep moves documents stuck for longer than maintenance.stale_after to error.
func (a *App) Sweep(ctx context.Context) ([]string, error) {
	return a.Pipeline.SweepStale(ctx, a.Config.Maintenance.StaleAfter, a.Jobs.Pending)
}

// Compact drops tombstoned vectors and persists the result.
func (a *App) Compact() (int, error) {
	n := a.Index.Compact()
	if n == 0 {
		return 0, nil
	}
	if err := a.Persister.Save(a.Index); err != nil {
		return n, fmt.Errorf("save vector index: %w", err)
	}
	a.Logger.Info("vector index compacted", zap.Int("dropped", n))
	return n, nil
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Documents      int64                   `json:"documents"`
	ByStatus       map[models.Status]int64 `json:"by_status"`
	Chunks         int64                   `json:"chunks"`
	Vector         vector.Stats            `json:"vector"`
	KeywordEntries uint64                  `json:"keyword_entries"`
	PendingJobs    int                     `json:"pending_jobs"`
	DiskUsageBytes int64                   `json:"disk_usage_bytes"`
	EmbeddingModel string                  `json:"embedding_model"`
	CollectedAt    time.Time               `json:"collected_at"`
}

// Stats collects counters from storage and the indices.
func (a *App) Stats(ctx context.Context) (*Stats, error) {
	docs, err := a.Store.CountDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	byStatus, err := a.Store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	chunks, err := a.Store.CountChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	s := &Stats{
		Documents:      docs,
		ByStatus:       byStatus,
		Chunks:         chunks,
		Vector:         a.Index.Stats(),
		PendingJobs:    a.Jobs.Len(),
		EmbeddingModel: a.Embedder.Model(),
		CollectedAt:    time.Now().UTC(),
	}
	if n, err := a.Keywords.DocCount(); err == nil {
		s.KeywordEntries = n
	}
	st := a.Config.Storage
	if n, err := storage.DiskUsageBytes(st.DatabasePath, st.UploadDir, st.IndexDir, st.KeywordIndexPath); err == nil {
		s.DiskUsageBytes = n
	}
	return s, nil
}

// Close stops the workers, saves the vector index and closes every store.
func (a *App) Close() error {
	var errs []error
	if a.Jobs != nil {
		a.Jobs.Stop()
	}
	if a.Index != nil && a.Persister != nil {
		if err := a.Persister.Save(a.Index); err != nil {
			errs = append(errs, fmt.Errorf("save vector index: %w", err))
		}
	}
	if a.Keywords != nil {
		if err := a.Keywords.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Embedder != nil {
		if err := a.Embedder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
