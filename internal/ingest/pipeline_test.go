package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/hyperjump/intellidoc/internal/embedding"
	"github.com/hyperjump/intellidoc/internal/extract"
	"github.com/hyperjump/intellidoc/internal/keyword"
	"github.com/hyperjump/intellidoc/internal/models"
	"github.com/hyperjump/intellidoc/internal/storage"
	"github.com/hyperjump/intellidoc/internal/vector"
)

const testDims = 32

type harness struct {
	dir       string
	store     *storage.SQLiteStorage
	index     vector.Index
	persister *vector.Persister
	keywords  *keyword.BleveIndex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "db.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	kw, err := keyword.NewBleveIndex(filepath.Join(dir, "bleve"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kw.Close() })
	return &harness{
		dir:       dir,
		store:     store,
		index:     vector.NewFlatIndex(0),
		persister: vector.NewPersister(filepath.Join(dir, "index")),
		keywords:  kw,
	}
}

func (h *harness) pipeline(embedder embedding.Embedder, opts ...Option) *Pipeline {
	opts = append([]Option{WithPersister(h.persister), WithKeywordIndex(h.keywords)}, opts...)
	return NewPipeline(h.store, extract.NewExtractor(), NewChunker(1000, 0), embedder, h.index, opts...)
}

func (h *harness) addDocument(t *testing.T, id, fileType, content string) *models.Document {
	t.Helper()
	path := filepath.Join(h.dir, id+"."+fileType)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	doc := &models.Document{
		ID:          id,
		OwnerID:     "alice",
		Title:       id,
		Filename:    id + "." + fileType,
		FileType:    fileType,
		FileSize:    int64(len(content)),
		StoragePath: path,
	}
	if err := h.store.CreateDocument(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func (h *harness) chunkCount(t *testing.T, id string) int {
	t.Helper()
	n, err := h.store.CountChunksByDocumentID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// flakyEmbedder fails the first failures calls to EmbedBatch.
type flakyEmbedder struct {
	*embedding.HashingEmbedder
	failures int
	calls    int
	hook     func()
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.hook != nil {
		f.hook()
	}
	if f.calls <= f.failures {
		return nil, embedding.ErrBackendUnavailable
	}
	return f.HashingEmbedder.EmbedBatch(ctx, texts)
}

type failingAddIndex struct {
	vector.Index
}

func (failingAddIndex) Add(context.Context, [][]float32, []vector.Ref) (int64, error) {
	return 0, errors.New("disk full")
}

type failingCommitStore struct {
	storage.Storage
}

func (failingCommitStore) CommitIngestion(context.Context, storage.Commit) error {
	return errors.New("database is locked")
}

// hookedStore calls onProgress after every successful progress update.
type hookedStore struct {
	storage.Storage
	onProgress func(progress int)
}

func (s hookedStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	if err := s.Storage.UpdateProgress(ctx, id, progress); err != nil {
		return err
	}
	s.onProgress(progress)
	return nil
}

const threeParagraphs = "Quarterly planning notes for the infrastructure team.\n\n" +
	"The migration to the new zephyrine cluster finishes in March.\n\n" +
	"Open questions are tracked in the shared board."

func TestPipeline_RunReachesReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDocument(t, "doc1", "txt", threeParagraphs)

	var progress []int
	p := h.pipeline(embedding.NewHashingEmbedder(testDims))
	doc, err := p.Run(ctx, "doc1", RunOptions{OnProgress: func(n int) { progress = append(progress, n) }})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if doc.Status != models.StatusReady || doc.ChunkCount != 1 || !doc.IsIndexed || doc.Progress != 100 {
		t.Errorf("final document: %+v", doc)
	}
	if doc.WordCount == 0 || doc.PageCount != 1 {
		t.Errorf("counts not recorded: words=%d pages=%d", doc.WordCount, doc.PageCount)
	}
	if doc.EmbeddingModel == "" {
		t.Error("embedding model not recorded")
	}
	want := []int{ProgressStarted, ProgressExtracted, ProgressChunked, ProgressEmbedded, ProgressIndexed, ProgressDone}
	if !reflect.DeepEqual(progress, want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
	if got := h.chunkCount(t, "doc1"); got != 1 {
		t.Errorf("chunk rows = %d", got)
	}
	if h.index.Size() != 1 {
		t.Errorf("index size = %d", h.index.Size())
	}

	hits, err := h.keywords.Search(ctx, "zephyrine", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].DocumentID != "doc1" {
		t.Errorf("keyword hits = %+v", hits)
	}

	// The persisted index reproduces the in-memory one.
	reloaded := vector.NewFlatIndex(0)
	if err := h.persister.Load(reloaded); err != nil {
		t.Fatal(err)
	}
	if reloaded.Size() != 1 {
		t.Errorf("reloaded size = %d", reloaded.Size())
	}
	chunks, _ := h.store.GetChunksByDocumentID(ctx, "doc1")
	ref, ok := reloaded.Lookup(chunks[0].VectorID)
	if !ok || ref.DocumentID != "doc1" || ref.ChunkIndex != 0 {
		t.Errorf("Lookup(%d) = %+v, %v", chunks[0].VectorID, ref, ok)
	}
}

func TestPipeline_UnsupportedTypeStillReady(t *testing.T) {
	h := newHarness(t)
	h.addDocument(t, "doc1", "bin", "\x00\x01\x02")

	doc, err := h.pipeline(embedding.NewHashingEmbedder(testDims)).Run(context.Background(), "doc1", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if doc.Status != models.StatusReady || doc.ChunkCount != 1 || doc.WordCount == 0 {
		t.Errorf("final document: %+v", doc)
	}
}

func TestPipeline_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDocument(t, "doc1", "md", "first paragraph\n\nsecond paragraph")
	p := h.pipeline(embedding.NewHashingEmbedder(testDims))

	if _, err := p.Run(ctx, "doc1", RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(ctx, "doc1", RunOptions{}); !errors.Is(err, ErrAlreadyIndexed) {
		t.Fatalf("second run: expected ErrAlreadyIndexed, got %v", err)
	}
	if _, err := p.Run(ctx, "doc1", RunOptions{Force: true}); err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if got := h.chunkCount(t, "doc1"); got != 1 {
		t.Errorf("chunk rows after forced run = %d", got)
	}
	if h.index.Size() != 1 {
		t.Errorf("live vectors after forced run = %d", h.index.Size())
	}
	chunks, _ := h.store.GetChunksByDocumentID(ctx, "doc1")
	if _, ok := h.index.Lookup(chunks[0].VectorID); !ok {
		t.Error("committed chunk points at a dead vector")
	}
}

func TestPipeline_IndexWriteFailureLeavesNoChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDocument(t, "doc1", "txt", threeParagraphs)
	h.index = failingAddIndex{Index: h.index}

	p := h.pipeline(embedding.NewHashingEmbedder(testDims))
	_, err := p.Run(ctx, "doc1", RunOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != ClassTransient {
		t.Errorf("class = %v", Classify(err))
	}
	if got := h.chunkCount(t, "doc1"); got != 0 {
		t.Errorf("partial commit: %d chunk rows", got)
	}

	if err := p.Fail(ctx, "doc1", err); err != nil {
		t.Fatal(err)
	}
	doc, _ := h.store.GetDocument(ctx, "doc1")
	if doc.Status != models.StatusError || doc.ErrorMessage == "" {
		t.Errorf("after Fail: %+v", doc)
	}
	if doc.Progress != ProgressEmbedded {
		t.Errorf("progress reset to %d, want last known %d", doc.Progress, ProgressEmbedded)
	}
}

func TestPipeline_CommitFailureRollsBackVectors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDocument(t, "doc1", "txt", threeParagraphs)

	p := NewPipeline(failingCommitStore{Storage: h.store}, extract.NewExtractor(), NewChunker(1000, 0),
		embedding.NewHashingEmbedder(testDims), h.index, WithPersister(h.persister))
	if _, err := p.Run(ctx, "doc1", RunOptions{}); err == nil {
		t.Fatal("expected commit error")
	}
	if h.index.Size() != 0 {
		t.Errorf("uncommitted vectors still live: %d", h.index.Size())
	}
	reloaded := vector.NewFlatIndex(0)
	if err := h.persister.Load(reloaded); err != nil {
		t.Fatal(err)
	}
	if reloaded.Size() != 0 {
		t.Errorf("persisted index has %d live vectors", reloaded.Size())
	}
	if got := h.chunkCount(t, "doc1"); got != 0 {
		t.Errorf("chunk rows = %d", got)
	}
}

func TestPipeline_DimensionMismatchIsFatal(t *testing.T) {
	h := newHarness(t)
	h.index = vector.NewFlatIndex(8)
	h.addDocument(t, "doc1", "txt", threeParagraphs)

	_, err := h.pipeline(embedding.NewHashingEmbedder(testDims)).Run(context.Background(), "doc1", RunOptions{})
	if !errors.Is(err, vector.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if Classify(err) != ClassFatal {
		t.Errorf("class = %v, want fatal", Classify(err))
	}
}

func TestPipeline_DeletedMidRunAborts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDocument(t, "doc1", "txt", threeParagraphs)

	emb := &flakyEmbedder{HashingEmbedder: embedding.NewHashingEmbedder(testDims)}
	emb.hook = func() {
		if _, err := h.store.MarkDeleted(ctx, "doc1"); err != nil {
			t.Error(err)
		}
	}
	_, err := h.pipeline(emb).Run(ctx, "doc1", RunOptions{})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if Classify(err) != ClassAborted {
		t.Errorf("class = %v", Classify(err))
	}
	if h.index.Size() != 0 || h.chunkCount(t, "doc1") != 0 {
		t.Errorf("aborted run wrote data: vectors=%d chunks=%d", h.index.Size(), h.chunkCount(t, "doc1"))
	}
	doc, _ := h.store.GetDocument(ctx, "doc1")
	if doc.Status != models.StatusDeleted {
		t.Errorf("status = %s", doc.Status)
	}

	// Fail on a deleted document is a no-op.
	if err := h.pipeline(emb).Fail(ctx, "doc1", errors.New("x")); err != nil {
		t.Errorf("Fail on deleted document: %v", err)
	}
}

func TestPipeline_RunDeletedOrMissingDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDocument(t, "doc1", "txt", "hello")
	if _, err := h.store.MarkDeleted(ctx, "doc1"); err != nil {
		t.Fatal(err)
	}
	p := h.pipeline(embedding.NewHashingEmbedder(testDims))
	for _, id := range []string{"doc1", "missing"} {
		if _, err := p.Run(ctx, id, RunOptions{}); !errors.Is(err, ErrAborted) {
			t.Errorf("%s: expected ErrAborted, got %v", id, err)
		}
	}
}

func TestPipeline_PurgeRemovesVectorsAndKeywords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDocument(t, "doc1", "txt", threeParagraphs)
	p := h.pipeline(embedding.NewHashingEmbedder(testDims))
	if _, err := p.Run(ctx, "doc1", RunOptions{}); err != nil {
		t.Fatal(err)
	}

	if err := p.Purge(ctx, "doc1"); err != nil {
		t.Fatal(err)
	}
	if h.index.Size() != 0 {
		t.Errorf("live vectors after purge = %d", h.index.Size())
	}
	hits, _ := h.keywords.Search(ctx, "zephyrine", 5, nil)
	if len(hits) != 0 {
		t.Errorf("keyword hits after purge = %d", len(hits))
	}
}

func TestPipeline_SweepStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()
	stuck := &models.Document{ID: "stuck", OwnerID: "alice", Status: models.StatusProcessing, UploadedAt: now.Add(-25 * time.Hour)}
	fresh := &models.Document{ID: "fresh", OwnerID: "alice", UploadedAt: now.Add(-time.Hour)}
	for _, d := range []*models.Document{stuck, fresh} {
		if err := h.store.CreateDocument(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	// A crashed run left a vector for the stuck document.
	orphan := make([]float32, testDims)
	orphan[0] = 1
	if _, err := h.index.Add(ctx, [][]float32{orphan}, []vector.Ref{{DocumentID: "stuck"}}); err != nil {
		t.Fatal(err)
	}

	p := h.pipeline(embedding.NewHashingEmbedder(testDims), WithClock(func() time.Time { return now }))
	ids, err := p.SweepStale(ctx, 24*time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []string{"stuck"}) {
		t.Errorf("swept %v", ids)
	}
	doc, _ := h.store.GetDocument(ctx, "stuck")
	if doc.Status != models.StatusError || doc.ErrorMessage != StaleMessage {
		t.Errorf("stuck document: %+v", doc)
	}
	if h.index.Size() != 0 {
		t.Errorf("orphan vector not dropped")
	}

	again, err := p.SweepStale(ctx, 24*time.Hour, nil)
	if err != nil || len(again) != 0 {
		t.Errorf("second sweep = %v, %v", again, err)
	}
}

// sweepMidRun runs doc1, uploaded two days before the pipeline clock, and sweeps
// right after the indexed checkpoint is stored.
func sweepMidRun(t *testing.T, busy func(string) bool) (*harness, *models.Document, []string, error) {
	t.Helper()
	h := newHarness(t)
	ctx := context.Background()
	doc := h.addDocument(t, "doc1", "txt", threeParagraphs)
	now := doc.UploadedAt.Add(48 * time.Hour)

	var (
		p     *Pipeline
		swept []string
	)
	store := hookedStore{Storage: h.store, onProgress: func(progress int) {
		if progress != ProgressIndexed {
			return
		}
		ids, err := p.SweepStale(ctx, 24*time.Hour, busy)
		if err != nil {
			t.Errorf("sweep: %v", err)
		}
		swept = ids
	}}
	p = NewPipeline(store, extract.NewExtractor(), NewChunker(1000, 0), embedding.NewHashingEmbedder(testDims),
		h.index, WithPersister(h.persister), WithKeywordIndex(h.keywords), WithClock(func() time.Time { return now }))
	_, err := p.Run(ctx, "doc1", RunOptions{})
	final, gerr := h.store.GetDocument(ctx, "doc1")
	if gerr != nil {
		t.Fatal(gerr)
	}
	return h, final, swept, err
}

func TestPipeline_SweepDuringRunAbortsCommit(t *testing.T) {
	h, doc, swept, err := sweepMidRun(t, nil)
	if !reflect.DeepEqual(swept, []string{"doc1"}) {
		t.Fatalf("swept %v", swept)
	}
	if !errors.Is(err, ErrAborted) || !errors.Is(err, storage.ErrStateChanged) {
		t.Fatalf("expected aborted run, got %v", err)
	}
	if Classify(err) != ClassAborted {
		t.Errorf("class = %v", Classify(err))
	}
	if doc.Status != models.StatusError || doc.ErrorMessage != StaleMessage || doc.IsIndexed || doc.ChunkCount != 0 {
		t.Errorf("swept document: %+v", doc)
	}
	if n := h.chunkCount(t, "doc1"); n != 0 {
		t.Errorf("chunk rows = %d", n)
	}
	if h.index.Size() != 0 {
		t.Errorf("live vectors = %d", h.index.Size())
	}
}

func TestPipeline_SweepSkipsBusyDocument(t *testing.T) {
	h, doc, swept, err := sweepMidRun(t, func(id string) bool { return id == "doc1" })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(swept) != 0 {
		t.Errorf("swept %v", swept)
	}
	if doc.Status != models.StatusReady || doc.ChunkCount != h.chunkCount(t, "doc1") {
		t.Errorf("document: %+v", doc)
	}
	if h.index.Size() != doc.ChunkCount {
		t.Errorf("live vectors = %d, chunks = %d", h.index.Size(), doc.ChunkCount)
	}
}
