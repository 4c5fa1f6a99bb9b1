package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF returns the text of every readable page separated by blank lines,
// and the page count. Pages that fail to decode are skipped; the call fails only
// when every non-empty page failed.
func extractPDF(content []byte) (string, int, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", 0, fmt.Errorf("open PDF: %w", err)
	}
	numPages := r.NumPage()
	var (
		pages    []string
		firstErr error
	)
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("page %d: %w", i, err)
			}
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 && firstErr != nil {
		return "", numPages, firstErr
	}
	return strings.Join(pages, "\n\n"), numPages, nil
}
