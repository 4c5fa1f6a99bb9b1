// Package search answers semantic, keyword and hybrid queries over indexed chunks,
// scoped to a set of documents.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/config"
	"github.com/hyperjump/intellidoc/internal/embedding"
	"github.com/hyperjump/intellidoc/internal/keyword"
	"github.com/hyperjump/intellidoc/internal/models"
	"github.com/hyperjump/intellidoc/internal/storage"
	"github.com/hyperjump/intellidoc/internal/vector"
)

// maxWidenRounds bounds how often a semantic search re-fetches with a larger
// candidate pool when scope filtering left fewer than k results or the k-th
// score ties with the edge of the fetched pool.
const maxWidenRounds = 2

// Service resolves index hits to chunks and documents.
type Service struct {
	store    storage.Storage
	embedder embedding.Embedder
	index    vector.Index
	keywords keyword.Index
	speller  *keyword.SpellChecker
	cfg      config.SearchConfig
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithKeywordIndex enables keyword and hybrid search.
func WithKeywordIndex(k keyword.Index) Option {
	return func(s *Service) { s.keywords = k }
}

// WithSpellChecker suggests a corrected query when a search finds nothing.
func WithSpellChecker(sc *keyword.SpellChecker) Option {
	return func(s *Service) { s.speller = sc }
}

// NewService creates a search service.
func NewService(store storage.Storage, embedder embedding.Embedder, index vector.Index, cfg config.SearchConfig, opts ...Option) *Service {
	if cfg.Overfetch < 1 {
		cfg.Overfetch = 2
	}
	s := &Service{
		store:    store,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// candidate is a resolved chunk hit.
type candidate struct {
	doc     *models.Document
	index   int
	content string
	score   float64
}

// Query normalizes q and dispatches it by mode. q.Scope must already be filled.
func (s *Service) Query(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := s.now()
	if err := q.Normalize(s.cfg.DefaultK, s.cfg.MaxK); err != nil {
		return nil, err
	}
	var (
		results []*models.SearchResult
		err     error
	)
	switch q.Mode {
	case models.SearchModeKeyword:
		results, err = s.keywordSearch(ctx, q.Query, q.K, q.Scope, q.OwnerID)
	case models.SearchModeHybrid:
		results, err = s.hybridSearch(ctx, q.Query, q.K, q.Scope, q.OwnerID)
	default:
		results, err = s.Search(ctx, q.Query, q.K, q.Scope)
	}
	if err != nil {
		return nil, err
	}
	resp := &models.SearchResponse{
		Results: results,
		Total:   len(results),
		Query:   q.Query,
		Mode:    q.Mode,
	}
	if len(results) == 0 {
		resp.Results = []*models.SearchResult{}
		resp.Suggestion = s.suggest(q.Query)
	}
	resp.QueryTime = s.now().Sub(start).Milliseconds()
	return resp, nil
}

// suggest returns a corrected query, or "" when the speller has nothing better.
func (s *Service) suggest(query string) string {
	if s.speller == nil || query == "" {
		return ""
	}
	corrected, ok, err := s.speller.Correct(query)
	if err != nil {
		s.logger.Warn("spell check failed", zap.Error(err))
		return ""
	}
	if !ok || strings.EqualFold(corrected, query) {
		return ""
	}
	return corrected
}

// keywordOptions applies the configured matching settings to a scoped keyword query.
func (s *Service) keywordOptions(scope []string, ownerID string) *keyword.SearchOptions {
	return &keyword.SearchOptions{
		OwnerID:      ownerID,
		DocumentIDs:  scope,
		TitleBoost:   s.cfg.TitleBoost,
		FuzzyEnabled: s.cfg.Fuzzy,
		Fuzziness:    s.cfg.Fuzziness,
	}
}

// Search embeds query and returns up to k chunks from documents in scope, ordered by
// descending similarity, then ascending chunk index, then ascending document id.
// Only ready documents are returned. Stale index entries are dropped silently.
func (s *Service) Search(ctx context.Context, query string, k int, scope []string) ([]*models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 || len(scope) == 0 || s.index.Size() == 0 {
		return nil, nil
	}
	cands, err := s.semantic(ctx, query, k, toSet(scope))
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, cands, k), nil
}

// KeywordSearch is Search over the keyword index.
func (s *Service) KeywordSearch(ctx context.Context, query string, k int, scope []string) ([]*models.SearchResult, error) {
	return s.keywordSearch(ctx, query, k, scope, "")
}

func (s *Service) keywordSearch(ctx context.Context, query string, k int, scope []string, ownerID string) ([]*models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if s.keywords == nil {
		return nil, fmt.Errorf("keyword search is not enabled")
	}
	if query == "" || k <= 0 || len(scope) == 0 {
		return nil, nil
	}
	hits, err := s.keywords.Search(ctx, query, k*s.cfg.Overfetch, s.keywordOptions(scope, ownerID))
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	scores := make(map[ChunkKey]float64, len(hits))
	for _, h := range hits {
		scores[ChunkKey{h.DocumentID, h.ChunkIndex}] = h.Score
	}
	cands, err := s.resolveKeys(ctx, scores, toSet(scope))
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, cands, k), nil
}

// HybridSearch fuses keyword and semantic scores per chunk.
func (s *Service) HybridSearch(ctx context.Context, query string, k int, scope []string) ([]*models.SearchResult, error) {
	return s.hybridSearch(ctx, query, k, scope, "")
}

func (s *Service) hybridSearch(ctx context.Context, query string, k int, scope []string, ownerID string) ([]*models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if s.keywords == nil {
		return nil, fmt.Errorf("keyword search is not enabled")
	}
	if query == "" || k <= 0 || len(scope) == 0 {
		return nil, nil
	}
	inScope := toSet(scope)
	limit := k * s.cfg.Overfetch

	semScores := make(map[ChunkKey]float64)
	if s.index.Size() > 0 {
		sem, err := s.semantic(ctx, query, limit, inScope)
		if err != nil {
			return nil, err
		}
		for _, c := range sem {
			semScores[ChunkKey{c.doc.ID, c.index}] = c.score
		}
	}
	hits, err := s.keywords.Search(ctx, query, limit, s.keywordOptions(scope, ownerID))
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	fused := Fuse(NormalizeKeywordScores(hits), semScores, s.cfg.KeywordWeight)
	scores := make(map[ChunkKey]float64, len(fused))
	for key, f := range fused {
		scores[key] = f.Score
	}
	cands, err := s.resolveKeys(ctx, scores, inScope)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, cands, k), nil
}

// semantic returns resolved candidates for query, widening the over-fetch when
// filtering leaves fewer than k.
func (s *Service) semantic(ctx context.Context, query string, k int, inScope map[string]struct{}) ([]candidate, error) {
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	fetch := k * s.cfg.Overfetch
	for round := 0; ; round++ {
		hits, err := s.index.Search(ctx, qv, fetch)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		cands, err := s.resolveHits(ctx, hits, inScope)
		if err != nil {
			return nil, err
		}
		if len(hits) < fetch || round == maxWidenRounds {
			return cands, nil
		}
		// Hits arrive in score order, so cands[k-1] holds the k-th best score. When the
		// last fetched hit ties with it, unfetched hits with the same score may still
		// rank ahead by chunk index or document id.
		if len(cands) >= k && cands[k-1].score > hits[len(hits)-1].Score {
			return cands, nil
		}
		fetch *= 4
	}
}

// resolveHits maps vector hits to chunks of ready documents in scope.
func (s *Service) resolveHits(ctx context.Context, hits []vector.Hit, inScope map[string]struct{}) ([]candidate, error) {
	refs := make(map[int64]vector.Ref, len(hits))
	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ref, ok := s.index.Lookup(h.ID)
		if !ok {
			continue
		}
		if _, ok := inScope[ref.DocumentID]; !ok {
			continue
		}
		refs[h.ID] = ref
		ids = append(ids, h.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	chunks, err := s.store.GetChunksByVectorIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve chunks: %w", err)
	}
	docs, err := s.readyDocuments(ctx, chunks)
	if err != nil {
		return nil, err
	}
	cands := make([]candidate, 0, len(ids))
	for _, h := range hits {
		ref, ok := refs[h.ID]
		if !ok {
			continue
		}
		ch, ok := chunks[h.ID]
		if !ok || ch.DocumentID != ref.DocumentID || ch.ChunkIndex != ref.ChunkIndex {
			s.logger.Debug("dropping stale vector", zap.Int64("vector_id", h.ID))
			continue
		}
		doc, ok := docs[ch.DocumentID]
		if !ok {
			continue
		}
		cands = append(cands, candidate{doc: doc, index: ch.ChunkIndex, content: ch.Content, score: h.Score})
	}
	return cands, nil
}

// resolveKeys maps scored chunk keys to chunks of ready documents in scope.
func (s *Service) resolveKeys(ctx context.Context, scores map[ChunkKey]float64, inScope map[string]struct{}) ([]candidate, error) {
	byDoc := make(map[string][]ChunkKey)
	for key := range scores {
		if _, ok := inScope[key.DocumentID]; ok {
			byDoc[key.DocumentID] = append(byDoc[key.DocumentID], key)
		}
	}
	if len(byDoc) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(byDoc))
	for id := range byDoc {
		ids = append(ids, id)
	}
	docs, err := s.store.GetDocuments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve documents: %w", err)
	}
	var cands []candidate
	for docID, keys := range byDoc {
		doc, ok := docs[docID]
		if !ok || doc.Status != models.StatusReady {
			continue
		}
		chunks, err := s.store.GetChunksByDocumentID(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("resolve chunks: %w", err)
		}
		byIndex := make(map[int]*models.Chunk, len(chunks))
		for _, ch := range chunks {
			byIndex[ch.ChunkIndex] = ch
		}
		for _, key := range keys {
			ch, ok := byIndex[key.ChunkIndex]
			if !ok {
				continue
			}
			cands = append(cands, candidate{doc: doc, index: ch.ChunkIndex, content: ch.Content, score: scores[key]})
		}
	}
	return cands, nil
}

func (s *Service) readyDocuments(ctx context.Context, chunks map[int64]*models.Chunk) (map[string]*models.Document, error) {
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		if _, ok := seen[ch.DocumentID]; !ok {
			seen[ch.DocumentID] = struct{}{}
			ids = append(ids, ch.DocumentID)
		}
	}
	docs, err := s.store.GetDocuments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve documents: %w", err)
	}
	for id, doc := range docs {
		if doc.Status != models.StatusReady {
			delete(docs, id)
		}
	}
	return docs, nil
}

// finish orders candidates, truncates to k, ranks them and records usage.
func (s *Service) finish(ctx context.Context, cands []candidate, k int) []*models.SearchResult {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.index != b.index {
			return a.index < b.index
		}
		return a.doc.ID < b.doc.ID
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	results := make([]*models.SearchResult, len(cands))
	touched := make([]string, 0, len(cands))
	seen := make(map[string]struct{}, len(cands))
	for i, c := range cands {
		results[i] = &models.SearchResult{
			Document:     c.doc,
			ChunkContent: c.content,
			ChunkIndex:   c.index,
			Score:        c.score,
			Rank:         i + 1,
		}
		if _, ok := seen[c.doc.ID]; !ok {
			seen[c.doc.ID] = struct{}{}
			touched = append(touched, c.doc.ID)
		}
	}
	if len(touched) > 0 {
		if err := s.store.RecordQuery(ctx, touched, s.now()); err != nil {
			s.logger.Warn("record query usage failed", zap.Error(err))
		}
	}
	return results
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
