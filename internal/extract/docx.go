package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
)

const (
	docxDefaultBodyPath = "word/document.xml"
	contentTypesPath    = "[Content_Types].xml"
	docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
)

var (
	// wordParagraph matches a whole <w:p ...>...</w:p> element.
	wordParagraph = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>`)
	// wordText matches <w:t>text</w:t> with any attributes.
	wordText = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	// mainPartName finds the main document part regardless of attribute order.
	mainPartName = regexp.MustCompile(`<Override[^>]*(?:PartName="([^"]+)"[^>]*ContentType="` +
		regexp.QuoteMeta(docxMainContentType) + `"|ContentType="` +
		regexp.QuoteMeta(docxMainContentType) + `"[^>]*PartName="([^"]+)")`)
)

// extractDOCX extracts the text of a word processing package, one paragraph per
// block separated by blank lines so paragraph chunking keeps the document's structure.
func extractDOCX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("extract DOCX: not a zip: %w", err)
	}

	bodyPath := docxDefaultBodyPath
	if ct, err := readZipEntry(zr, contentTypesPath); err == nil {
		if m := mainPartName.FindSubmatch(ct); m != nil {
			name := string(m[1])
			if name == "" {
				name = string(m[2])
			}
			bodyPath = strings.TrimPrefix(name, "/")
		}
	}

	body, err := readZipEntry(zr, bodyPath)
	if err != nil {
		return "", fmt.Errorf("extract DOCX: %w", err)
	}

	var paragraphs []string
	for _, p := range wordParagraph.FindAll(body, -1) {
		var b strings.Builder
		for _, run := range wordText.FindAllSubmatch(p, -1) {
			b.Write(run[1])
		}
		if text := strings.TrimSpace(html.UnescapeString(b.String())); text != "" {
			paragraphs = append(paragraphs, text)
		}
	}
	return strings.Join(paragraphs, "\n\n"), nil
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s not found", name)
}
