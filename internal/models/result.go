package models

// SearchResult is a single ranked chunk hit.
type SearchResult struct {
	Document     *Document `json:"document"`
	ChunkContent string    `json:"chunk_content"`
	ChunkIndex   int       `json:"chunk_index"`
	Score        float64   `json:"score"`
	Rank         int       `json:"rank"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	QueryTime int64           `json:"query_time_ms"`
	Query     string          `json:"query"`
	Mode      SearchMode      `json:"mode"`
	// Suggestion is a corrected query, set when nothing matched.
	Suggestion string `json:"suggestion,omitempty"`
}
