package keyword

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/intellidoc/internal/models"
)

func newTestIndex(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex(filepath.Join(t.TempDir(), "bleve"))
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func chunksOf(docID string, contents ...string) []*models.Chunk {
	out := make([]*models.Chunk, len(contents))
	for i, c := range contents {
		out[i] = &models.Chunk{DocumentID: docID, ChunkIndex: i, Content: c}
	}
	return out
}

func TestBleveIndex_SearchFindsChunk(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	doc := &models.Document{ID: "doc1", OwnerID: "alice", Title: "Monthly Report May 2023.docx"}
	chunks := chunksOf("doc1",
		"Opening remarks about the quarter.",
		"This report mentions Omnisyan and other findings. The Bayes app is also referenced.",
	)
	if err := idx.IndexChunks(ctx, doc, chunks); err != nil {
		t.Fatalf("IndexChunks: %v", err)
	}

	results, err := idx.Search(ctx, "Omnisyan", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].DocumentID != "doc1" || results[0].ChunkIndex != 1 {
		t.Errorf("got %+v", results[0])
	}

	// Standard analyzer (no stemming) so "bayes" matches "Bayes".
	results, err = idx.Search(ctx, "bayes", 10, nil)
	if err != nil {
		t.Fatalf("Search bayes: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected a hit for \"bayes\"")
	}
}

func TestBleveIndex_TitleMatchesEveryChunk(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	doc := &models.Document{ID: "doc1", OwnerID: "alice", Title: "q3_sales_report.pdf"}
	if err := idx.IndexChunks(ctx, doc, chunksOf("doc1", "alpha", "beta")); err != nil {
		t.Fatal(err)
	}
	results, err := idx.Search(ctx, "sales", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// Equal scores fall back to chunk index order.
	if results[0].ChunkIndex != 0 || results[1].ChunkIndex != 1 {
		t.Errorf("unexpected order: %+v %+v", results[0], results[1])
	}
}

func TestBleveIndex_ReindexReplacesEntries(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	doc := &models.Document{ID: "doc1", OwnerID: "alice", Title: "T"}
	if err := idx.IndexChunks(ctx, doc, chunksOf("doc1", "oldword one", "oldword two", "oldword three")); err != nil {
		t.Fatal(err)
	}
	if err := idx.IndexChunks(ctx, doc, chunksOf("doc1", "newword")); err != nil {
		t.Fatal(err)
	}

	old, _ := idx.Search(ctx, "oldword", 10, nil)
	if len(old) != 0 {
		t.Errorf("stale entries remain: %d", len(old))
	}
	n, err := idx.DocCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("DocCount = %d, want 1", n)
	}
}

func TestBleveIndex_DeleteDocument(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	if err := idx.IndexChunks(ctx, &models.Document{ID: "doc1", Title: "T"}, chunksOf("doc1", "onlyindoc1", "onlyindoc1 again")); err != nil {
		t.Fatal(err)
	}
	if err := idx.IndexChunks(ctx, &models.Document{ID: "doc2", Title: "T"}, chunksOf("doc2", "onlyindoc1 copy")); err != nil {
		t.Fatal(err)
	}
	if err := idx.DeleteDocument(ctx, "doc1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if err := idx.DeleteDocument(ctx, "never-indexed"); err != nil {
		t.Fatalf("DeleteDocument unknown: %v", err)
	}

	results, err := idx.Search(ctx, "onlyindoc1", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].DocumentID != "doc2" {
		t.Errorf("expected only doc2, got %+v", results)
	}
}

func TestBleveIndex_SearchFilters(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	for _, d := range []*models.Document{
		{ID: "a1", OwnerID: "alice", Title: "notes"},
		{ID: "a2", OwnerID: "alice", Title: "notes"},
		{ID: "b1", OwnerID: "bob", Title: "notes"},
	} {
		if err := idx.IndexChunks(ctx, d, chunksOf(d.ID, "shared vocabulary")); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		opts *SearchOptions
		want int
	}{
		{"no filter", nil, 3},
		{"owner", &SearchOptions{OwnerID: "alice"}, 2},
		{"scope", &SearchOptions{DocumentIDs: []string{"a2", "b1"}}, 2},
		{"owner and scope", &SearchOptions{OwnerID: "alice", DocumentIDs: []string{"a2", "b1"}}, 1},
		{"fuzzy", &SearchOptions{FuzzyEnabled: true, Fuzziness: 1, OwnerID: "bob"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := "vocabulary"
			if tt.opts != nil && tt.opts.FuzzyEnabled {
				query = "vocabulery"
			}
			results, err := idx.Search(ctx, query, 10, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != tt.want {
				t.Errorf("got %d results, want %d", len(results), tt.want)
			}
		})
	}
}

func TestBleveIndex_EmptyQuery(t *testing.T) {
	idx := newTestIndex(t)
	results, err := idx.Search(context.Background(), "   ", 10, nil)
	if err != nil || len(results) != 0 {
		t.Errorf("empty query = %v, %v", results, err)
	}
}

func TestBleveIndex_ReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "bleve")
	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := idx.IndexChunks(ctx, &models.Document{ID: "doc1", Title: "T"}, chunksOf("doc1", "uniqueword")); err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("index path should exist: %v", err)
	}

	idx2, err := NewBleveIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	defer idx2.Close()
	results, err := idx2.Search(ctx, "uniqueword", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result after reopen, got %d", len(results))
	}
}

func TestParseEntryID(t *testing.T) {
	tests := []struct {
		id     string
		doc    string
		idx    int
		wantOK bool
	}{
		{EntryID("doc-1", 3), "doc-1", 3, true},
		{"a#b#12", "a#b", 12, true},
		{"nohash", "", 0, false},
		{"#1", "", 0, false},
		{"doc#x", "", 0, false},
	}
	for _, tt := range tests {
		doc, idx, ok := parseEntryID(tt.id)
		if ok != tt.wantOK || doc != tt.doc || idx != tt.idx {
			t.Errorf("parseEntryID(%q) = %q, %d, %v", tt.id, doc, idx, ok)
		}
	}
}
