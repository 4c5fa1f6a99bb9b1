// Package cli formats engine output for the command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/hyperjump/intellidoc/internal/models"
	"github.com/hyperjump/intellidoc/internal/search"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text or json)", s)
}

// snippetLen bounds the chunk excerpt in text output.
const snippetLen = 200

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms (%s)\n\n", response.Total, response.QueryTime, response.Mode)
	if response.Suggestion != "" {
		fmt.Fprintf(w, "Did you mean: %s\n\n", response.Suggestion)
	}
	for _, result := range response.Results {
		writeOneResult(w, result)
	}
	return nil
}

func writeOneResult(w io.Writer, result *models.SearchResult) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Score: %.4f | Chunk: %d\n", result.Rank, result.Score, result.ChunkIndex)
	if result.Document != nil {
		fmt.Fprintf(w, "ID: %s\n", result.Document.ID)
		if result.Document.Title != "" {
			fmt.Fprintf(w, "Title: %s\n", result.Document.Title)
		}
	}
	fmt.Fprintf(w, "\n%s\n\n", search.Highlight(result.ChunkContent, snippetLen))
}

// WriteDocument writes one document in the given format.
func WriteDocument(w io.Writer, doc *models.Document, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, doc)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", doc.ID)
	fmt.Fprintf(tw, "Owner:\t%s\n", doc.OwnerID)
	fmt.Fprintf(tw, "Title:\t%s\n", doc.Title)
	fmt.Fprintf(tw, "File:\t%s (%s, %d bytes)\n", doc.Filename, doc.FileType, doc.FileSize)
	fmt.Fprintf(tw, "Status:\t%s (%d%%)\n", doc.Status, doc.Progress)
	if doc.ErrorMessage != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", doc.ErrorMessage)
	}
	fmt.Fprintf(tw, "Chunks:\t%d\n", doc.ChunkCount)
	fmt.Fprintf(tw, "Words:\t%d\n", doc.WordCount)
	return tw.Flush()
}

// WriteDocuments writes a document listing in the given format.
func WriteDocuments(w io.Writer, docs []*models.Document, format OutputFormat) error {
	if format == OutputJSON {
		if docs == nil {
			docs = []*models.Document{}
		}
		return WriteJSON(w, docs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tSTATUS\tPROGRESS\tCHUNKS\tTITLE")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d\t%s\n",
			d.ID, d.OwnerID, d.Status, d.Progress, d.ChunkCount, TruncateWords(d.Title, 8))
	}
	return tw.Flush()
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
