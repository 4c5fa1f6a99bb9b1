package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
)

const odfContentPath = "content.xml"

var (
	// odfEmptyBlock matches self-closing paragraphs and headings.
	odfEmptyBlock = regexp.MustCompile(`<text:[ph]\b[^>]*/>`)
	// odfBlock matches a paragraph or heading; nested spans stay in the capture.
	odfBlock = regexp.MustCompile(`(?s)<text:p\b[^>]*>(.*?)</text:p>|<text:h\b[^>]*>(.*?)</text:h>`)
	// odfSpace matches the space, tab and line-break elements.
	odfSpace = regexp.MustCompile(`<text:(?:s|tab|line-break)\b[^>]*/>`)
	anyTag   = regexp.MustCompile(`<[^>]+>`)
	// odpPage matches one slide of a presentation.
	odpPage = regexp.MustCompile(`(?s)<draw:page\b.*?</draw:page>`)
)

// readODFContent returns content.xml of an OpenDocument package.
func readODFContent(content []byte, kind string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("extract %s: not a zip: %w", kind, err)
	}
	body, err := readZipEntry(zr, odfContentPath)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", kind, err)
	}
	return body, nil
}

// odfParagraphs returns the non-empty paragraphs and headings of an XML
// fragment in document order.
func odfParagraphs(fragment []byte) []string {
	fragment = odfEmptyBlock.ReplaceAll(fragment, nil)
	var out []string
	for _, m := range odfBlock.FindAllSubmatch(fragment, -1) {
		inner := m[1]
		if inner == nil {
			inner = m[2]
		}
		inner = odfSpace.ReplaceAll(inner, []byte(" "))
		inner = anyTag.ReplaceAll(inner, nil)
		text := strings.Join(strings.Fields(html.UnescapeString(string(inner))), " ")
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}

// extractODP renders an OpenDocument presentation like extractPPTX: one
// "Slide N" block per slide with text, each slide a page.
func extractODP(content []byte) (string, int, error) {
	body, err := readODFContent(content, "ODP")
	if err != nil {
		return "", 0, err
	}
	pages := odpPage.FindAll(body, -1)
	if len(pages) == 0 {
		return strings.Join(odfParagraphs(body), "\n"), 1, nil
	}
	var blocks []string
	for i, page := range pages {
		if lines := odfParagraphs(page); len(lines) > 0 {
			blocks = append(blocks, fmt.Sprintf("Slide %d\n%s", i+1, strings.Join(lines, "\n")))
		}
	}
	return strings.Join(blocks, "\n\n"), len(pages), nil
}
