package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidQuery is returned for search requests that cannot be served.
var ErrInvalidQuery = errors.New("invalid query")

// SearchMode selects the retrieval backend for a query.
type SearchMode string

const (
	SearchModeSemantic SearchMode = "semantic"
	SearchModeKeyword  SearchMode = "keyword"
	SearchModeHybrid   SearchMode = "hybrid"
)

// SearchQuery is a search request. Scope lists the document ids the caller may see;
// when empty, the adapter layer fills it with the owner's ready documents.
type SearchQuery struct {
	Query   string     `json:"query"`
	K       int        `json:"k,omitempty"`
	Scope   []string   `json:"scope,omitempty"`
	OwnerID string     `json:"owner_id,omitempty"`
	Mode    SearchMode `json:"mode,omitempty"`
}

// Normalize trims the query, clamps K into [1, maxK] and defaults the mode.
// An empty query is allowed and yields no results downstream.
func (q *SearchQuery) Normalize(defaultK, maxK int) error {
	q.Query = strings.TrimSpace(q.Query)
	if q.K <= 0 {
		q.K = defaultK
	}
	if maxK > 0 && q.K > maxK {
		q.K = maxK
	}
	switch q.Mode {
	case "":
		q.Mode = SearchModeSemantic
	case SearchModeSemantic, SearchModeKeyword, SearchModeHybrid:
	default:
		return fmt.Errorf("%w: unknown search mode %q", ErrInvalidQuery, q.Mode)
	}
	return nil
}
