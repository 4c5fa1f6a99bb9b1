package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// pptxSlide matches slide parts and captures the slide number.
	pptxSlide = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	// drawingParagraph matches a whole <a:p>...</a:p> element.
	drawingParagraph = regexp.MustCompile(`(?s)<a:p(?:\s[^>]*)?>.*?</a:p>`)
	// drawingText matches <a:t>text</a:t> with any attributes.
	drawingText = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)
)

// extractPPTX renders each slide with text as one block headed "Slide N", its
// paragraphs on separate lines. Slides are ordered by number, not zip order, and
// each counts as a page.
func extractPPTX(content []byte) (string, int, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", 0, fmt.Errorf("extract PPTX: not a zip: %w", err)
	}
	type slide struct {
		num  int
		name string
	}
	var slides []slide
	for _, f := range zr.File {
		m := pptxSlide.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		slides = append(slides, slide{num: n, name: f.Name})
	}
	if len(slides) == 0 {
		return "", 0, fmt.Errorf("extract PPTX: no slides")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var blocks []string
	for _, s := range slides {
		body, err := readZipEntry(zr, s.name)
		if err != nil {
			return "", 0, fmt.Errorf("extract PPTX: %w", err)
		}
		var lines []string
		for _, p := range drawingParagraph.FindAll(body, -1) {
			var b strings.Builder
			for _, run := range drawingText.FindAllSubmatch(p, -1) {
				b.Write(run[1])
			}
			if text := strings.TrimSpace(html.UnescapeString(b.String())); text != "" {
				lines = append(lines, text)
			}
		}
		if len(lines) > 0 {
			blocks = append(blocks, fmt.Sprintf("Slide %d\n%s", s.num, strings.Join(lines, "\n")))
		}
	}
	return strings.Join(blocks, "\n\n"), len(slides), nil
}
