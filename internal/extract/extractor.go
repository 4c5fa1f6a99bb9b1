// Package extract converts stored files into plain text plus structural metadata.
//
// Extraction never fails from the caller's point of view: corrupt or unsupported
// input degrades to a short placeholder text describing what happened, so the
// ingestion pipeline can still reach a terminal state.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Declared file types understood by the extractor. Anything else is opaque.
const (
	TypePDF  = "pdf"
	TypeDOCX = "docx"
	TypeDOC  = "doc"
	TypeTXT  = "txt"
	TypeMD   = "md"
	TypeODT  = "odt"
	TypeRTF  = "rtf"
	TypeXLSX = "xlsx"
	TypeODS  = "ods"
	TypePPTX = "pptx"
	TypeODP  = "odp"
)

// Result is the outcome of extracting one file.
type Result struct {
	Text      string
	PageCount int
	WordCount int
	// Fallback is set when Text is a placeholder rather than file content.
	Fallback bool
}

// errEmpty marks a file that parsed but yielded no text.
var errEmpty = errors.New("no extractable text")

// Extractor extracts plain text from document files.
type Extractor struct {
	logger *zap.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets a logger for fallback diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// NewExtractor returns a new Extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NormalizeType maps a declared type or file extension to a canonical type name.
// Unknown types are returned lower-cased without a leading dot.
func NormalizeType(declared string) string {
	t := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(declared), "."))
	switch t {
	case "markdown":
		return TypeMD
	case "text":
		return TypeTXT
	}
	return t
}

// Supported reports whether declared names a format with a real text decoder.
func Supported(declared string) bool {
	switch NormalizeType(declared) {
	case TypePDF, TypeDOCX, TypeDOC, TypeTXT, TypeMD, TypeODT, TypeRTF, TypeXLSX,
		TypeODS, TypePPTX, TypeODP:
		return true
	}
	return false
}

// Extract reads the file at path and returns its text and metadata.
// It does not return an error: failures produce a placeholder Result with Fallback set.
func (e *Extractor) Extract(path, declaredType string) Result {
	return e.ExtractNamed(path, filepath.Base(path), declaredType)
}

// ExtractNamed is Extract with the display name used in placeholder text.
func (e *Extractor) ExtractNamed(path, name, declaredType string) Result {
	content, err := os.ReadFile(path)
	if err != nil {
		e.logger.Warn("read failed, using placeholder", zap.String("path", path), zap.Error(err))
		return placeholder(name, "Text extraction failed: file could not be read")
	}
	return e.ExtractBytes(content, name, declaredType)
}

// ExtractBytes extracts text from content already in memory. name is used only in
// placeholder text.
func (e *Extractor) ExtractBytes(content []byte, name, declaredType string) Result {
	t := NormalizeType(declaredType)
	if !Supported(t) {
		return placeholder(name, fmt.Sprintf("Unsupported file type: %s", t))
	}

	text, pages, err := decode(content, t)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errEmpty
	}
	if err != nil {
		e.logger.Warn("extraction failed, using placeholder",
			zap.String("name", name), zap.String("file_type", t), zap.Error(err))
		if errors.Is(err, errEmpty) {
			return placeholder(name, "No extractable text found")
		}
		return placeholder(name, fmt.Sprintf("Text extraction failed: unreadable %s content", t))
	}
	if pages < 1 {
		pages = 1
	}
	return Result{Text: text, PageCount: pages, WordCount: WordCount(text)}
}

func decode(content []byte, t string) (text string, pages int, err error) {
	defer func() {
		// Third-party decoders panic on some malformed inputs.
		if r := recover(); r != nil {
			text, pages, err = "", 0, fmt.Errorf("decoder panic: %v", r)
		}
	}()
	switch t {
	case TypePDF:
		return extractPDF(content)
	case TypeDOCX, TypeDOC:
		text, err = extractDOCX(content)
		return text, 1, err
	case TypeODT, TypeRTF:
		text, err = extractWithCat(content)
		return text, 1, err
	case TypeXLSX:
		text, err = extractExcel(content)
		return text, 1, err
	case TypeODS:
		text, err = extractODS(content)
		return text, 1, err
	case TypePPTX:
		return extractPPTX(content)
	case TypeODP:
		return extractODP(content)
	default:
		text, err = extractPlain(content)
		return text, 1, err
	}
}

func placeholder(name, reason string) Result {
	text := fmt.Sprintf("File uploaded: %s\n%s", name, reason)
	return Result{Text: text, PageCount: 1, WordCount: WordCount(text), Fallback: true}
}

// WordCount returns the number of whitespace-delimited tokens in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
