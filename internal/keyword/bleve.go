package keyword

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/intellidoc/internal/models"
)

// deletePageSize bounds how many entry ids are fetched per round when removing a document.
const deletePageSize = 500

// chunkEntry is the document shape stored in Bleve.
type chunkEntry struct {
	DocumentID string `json:"document_id"`
	OwnerID    string `json:"owner_id"`
	ChunkIndex int    `json:"chunk_index"`
	Title      string `json:"title"`
	Content    string `json:"content"`
}

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// EntryID returns the Bleve id of a chunk entry.
func EntryID(docID string, chunkIndex int) string {
	return docID + "#" + strconv.Itoa(chunkIndex)
}

// parseEntryID splits an entry id back into document id and chunk index.
func parseEntryID(id string) (string, int, bool) {
	i := strings.LastIndexByte(id, '#')
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return "", 0, false
	}
	return id[:i], n, true
}

// NewBleveIndex creates or opens a Bleve index at path.
// If you change the index mapping in code, remove the index directory; entries
// are rebuilt as documents are reprocessed.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	chunkMapping := bleve.NewDocumentMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so "bayes" matches the exact word.
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name
	chunkMapping.AddFieldMappingsAt("content", textFieldMapping)
	chunkMapping.AddFieldMappingsAt("title", textFieldMapping)

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	chunkMapping.AddFieldMappingsAt("document_id", keywordFieldMapping)
	chunkMapping.AddFieldMappingsAt("owner_id", keywordFieldMapping)
	chunkMapping.AddFieldMappingsAt("chunk_index", bleve.NewNumericFieldMapping())

	im.AddDocumentMapping("chunk", chunkMapping)
	im.DefaultType = "chunk"
	im.DefaultMapping = chunkMapping
	return im
}

// IndexChunks replaces all entries of doc with one entry per chunk in a single batch.
func (b *BleveIndex) IndexChunks(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error {
	stale, err := b.entryIDs(doc.ID)
	if err != nil {
		return err
	}
	batch := b.index.NewBatch()
	keep := make(map[string]struct{}, len(chunks))
	title := normalizeTitle(doc.Title)
	for _, ch := range chunks {
		id := EntryID(doc.ID, ch.ChunkIndex)
		keep[id] = struct{}{}
		entry := chunkEntry{
			DocumentID: doc.ID,
			OwnerID:    doc.OwnerID,
			ChunkIndex: ch.ChunkIndex,
			Title:      title,
			Content:    ch.Content,
		}
		if err := batch.Index(id, entry); err != nil {
			return fmt.Errorf("batch index %s: %w", id, err)
		}
	}
	for _, id := range stale {
		if _, ok := keep[id]; !ok {
			batch.Delete(id)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// DeleteDocument removes every entry of docID.
func (b *BleveIndex) DeleteDocument(ctx context.Context, docID string) error {
	ids, err := b.entryIDs(docID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// entryIDs lists the ids of all entries belonging to docID.
func (b *BleveIndex) entryIDs(docID string) ([]string, error) {
	q := bleve.NewTermQuery(docID)
	q.SetField("document_id")
	var ids []string
	for from := 0; ; from += deletePageSize {
		req := bleve.NewSearchRequestOptions(q, deletePageSize, from, false)
		res, err := b.index.Search(req)
		if err != nil {
			return nil, fmt.Errorf("Bleve lookup failed: %w", err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < deletePageSize {
			return ids, nil
		}
	}
}

// Search runs a match query over title and content and returns up to limit hits,
// ordered by score desc, then document id asc, then chunk index asc.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}
	if opts == nil {
		opts = &SearchOptions{}
	}
	titleBoost := 1.0
	if opts.TitleBoost > 0 {
		titleBoost = opts.TitleBoost
	}
	fuzziness := 2
	if opts.Fuzziness > 0 {
		fuzziness = opts.Fuzziness
	}

	var titleQuery, contentQuery blevequery.Query
	if opts.FuzzyEnabled {
		titleQuery = buildFuzzyQuery(query, fuzziness, "title")
		contentQuery = buildFuzzyQuery(query, fuzziness, "content")
	} else {
		tq := bleve.NewMatchQuery(query)
		tq.SetField("title")
		titleQuery = tq
		cq := bleve.NewMatchQuery(query)
		cq.SetField("content")
		contentQuery = cq
	}
	if bq, ok := titleQuery.(blevequery.BoostableQuery); ok && titleBoost != 1.0 {
		bq.SetBoost(titleBoost)
	}
	var q blevequery.Query = bleve.NewDisjunctionQuery(titleQuery, contentQuery)

	var filters []blevequery.Query
	if opts.OwnerID != "" {
		oq := bleve.NewTermQuery(opts.OwnerID)
		oq.SetField("owner_id")
		filters = append(filters, oq)
	}
	if len(opts.DocumentIDs) > 0 {
		scope := make([]blevequery.Query, len(opts.DocumentIDs))
		for i, id := range opts.DocumentIDs {
			dq := bleve.NewTermQuery(id)
			dq.SetField("document_id")
			scope[i] = dq
		}
		filters = append(filters, bleve.NewDisjunctionQuery(scope...))
	}
	if len(filters) > 0 {
		q = bleve.NewConjunctionQuery(append([]blevequery.Query{q}, filters...)...)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	results, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Result, 0, len(results.Hits))
	for _, hit := range results.Hits {
		docID, idx, ok := parseEntryID(hit.ID)
		if !ok {
			continue
		}
		out = append(out, &Result{DocumentID: docID, ChunkIndex: idx, Score: hit.Score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out, nil
}

// buildFuzzyQuery creates a disjunction of FuzzyQueries for each term in the query,
// restricted to field.
func buildFuzzyQuery(queryStr string, fuzziness int, field string) blevequery.Query {
	terms := strings.Fields(strings.ToLower(queryStr))
	if len(terms) == 0 {
		mq := bleve.NewMatchQuery(queryStr)
		mq.SetField(field)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(field)
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// normalizeTitle replaces underscores with spaces so that "q3_sales_report.pdf"
// is searchable as "q3 sales report"; the standard analyzer does not split on underscore.
func normalizeTitle(title string) string {
	return strings.ReplaceAll(title, "_", " ")
}

// Terms returns the vocabulary of the title and content fields. A term found in
// both fields keeps the larger entry count.
func (b *BleveIndex) Terms() (map[string]int, error) {
	terms := make(map[string]int)
	for _, field := range []string{"content", "title"} {
		dict, err := b.index.FieldDict(field)
		if err != nil {
			return nil, fmt.Errorf("read %s terms: %w", field, err)
		}
		for {
			entry, err := dict.Next()
			if err != nil {
				_ = dict.Close()
				return nil, fmt.Errorf("read %s terms: %w", field, err)
			}
			if entry == nil {
				break
			}
			if n := int(entry.Count); n > terms[entry.Term] {
				terms[entry.Term] = n
			}
		}
		if err := dict.Close(); err != nil {
			return nil, err
		}
	}
	return terms, nil
}

// Analyze runs text through the analyzer used for title and content.
func (b *BleveIndex) Analyze(text string) []string {
	analyzer := b.index.Mapping().AnalyzerNamed(standard.Name)
	if analyzer == nil {
		return nil
	}
	tokens := analyzer.Analyze([]byte(text))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, string(tok.Term))
	}
	return out
}

// DocCount returns the number of chunk entries in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
