package ingest

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hyperjump/intellidoc/internal/models"
)

const paragraphSeparator = "\n\n"

var blankLine = regexp.MustCompile(`\n[ \t\r\f\v]*\n`)

// Chunker greedily packs paragraphs into chunks of at most maxChars characters.
// A paragraph longer than maxChars becomes its own oversized chunk; it is never split.
type Chunker struct {
	maxChars int
	overlap  int
}

// NewChunker creates a chunker with the given character budget. overlap is the
// number of trailing characters of whole paragraphs carried into the next chunk;
// 0 disables overlap.
func NewChunker(maxChars, overlap int) *Chunker {
	if maxChars <= 0 {
		maxChars = 1000
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = 0
	}
	return &Chunker{maxChars: maxChars, overlap: overlap}
}

// Paragraphs splits text on blank lines, trimming each paragraph and dropping empty ones.
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := blankLine.Split(text, -1)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Chunk splits text into chunks for docID with contiguous indices starting at 0.
// Empty or whitespace-only text yields no chunks.
func (c *Chunker) Chunk(docID, text string) []*models.Chunk {
	paragraphs := Paragraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var (
		chunks  []*models.Chunk
		current []string
		size    int
	)
	emit := func() {
		content := strings.Join(current, paragraphSeparator)
		chunks = append(chunks, &models.Chunk{
			ID:         uuid.New().String(),
			DocumentID: docID,
			ChunkIndex: len(chunks),
			Content:    content,
			ChunkSize:  utf8.RuneCountInString(content),
		})
	}

	sepLen := len(paragraphSeparator)
	for _, p := range paragraphs {
		plen := utf8.RuneCountInString(p)
		if len(current) > 0 && size+sepLen+plen > c.maxChars {
			emit()
			current, size = c.carry(current, c.maxChars-plen-sepLen)
		}
		if len(current) > 0 {
			size += sepLen
		}
		current = append(current, p)
		size += plen
	}
	if len(current) > 0 {
		emit()
	}
	return chunks
}

// carry returns the trailing paragraphs of prev that fit both the overlap budget and
// room, the space left beside the paragraph that starts the next chunk, plus their size.
func (c *Chunker) carry(prev []string, room int) ([]string, int) {
	budget := min(c.overlap, room)
	if budget <= 0 {
		return nil, 0
	}
	var kept []string
	total := 0
	for i := len(prev) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(prev[i])
		if len(kept) > 0 {
			n += len(paragraphSeparator)
		}
		if total+n > budget {
			break
		}
		total += n
		kept = append([]string{prev[i]}, kept...)
	}
	return kept, total
}
