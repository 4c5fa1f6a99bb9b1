package extract

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

// minimalDocx returns .docx zip bytes with one <w:p> per paragraph.
func minimalDocx(paragraphs ...string) []byte {
	return minimalDocxAt("word/document.xml", paragraphs...)
}

func minimalDocxAt(bodyPath string, paragraphs ...string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	if bodyPath != "word/document.xml" {
		ct, _ := w.Create("[Content_Types].xml")
		_, _ = ct.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Override ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml" PartName="/` + bodyPath + `"/>
</Types>`))
	}
	var body strings.Builder
	for _, p := range paragraphs {
		body.WriteString(`<w:p w:rsidR="00A1"><w:pPr><w:jc w:val="left"/></w:pPr><w:r><w:t xml:space="preserve">` + p + `</w:t></w:r></w:p>`)
	}
	fw, _ := w.Create(bodyPath)
	_, _ = fw.Write([]byte(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` + body.String() + `</w:body></w:document>`))
	_ = w.Close()
	return buf.Bytes()
}

func TestExtractBytes_plain(t *testing.T) {
	e := NewExtractor()
	got := e.ExtractBytes([]byte("Hello world\r\n\r\nLine 2"), "notes.txt", "txt")
	if got.Fallback {
		t.Fatal("plain text should not fall back")
	}
	if got.Text != "Hello world\n\nLine 2" {
		t.Errorf("got %q", got.Text)
	}
	if got.WordCount != 4 || got.PageCount != 1 {
		t.Errorf("metadata: words=%d pages=%d", got.WordCount, got.PageCount)
	}
}

func TestExtractBytes_plainInvalidUTF8(t *testing.T) {
	e := NewExtractor()
	got := e.ExtractBytes([]byte("hello\x80world"), "a.md", ".MD")
	if got.Text != "hello\ufffdworld" {
		t.Errorf("got %q", got.Text)
	}
}

func TestExtractBytes_docxParagraphs(t *testing.T) {
	e := NewExtractor()
	got := e.ExtractBytes(minimalDocx("First &amp; foremost", "Second"), "a.docx", "docx")
	if got.Fallback {
		t.Fatalf("unexpected fallback: %q", got.Text)
	}
	if got.Text != "First & foremost\n\nSecond" {
		t.Errorf("got %q", got.Text)
	}
}

func TestExtractBytes_docxMainPartFromContentTypes(t *testing.T) {
	e := NewExtractor()
	got := e.ExtractBytes(minimalDocxAt("word/document2.xml", "Content from document2"), "a.docx", "docx")
	if got.Text != "Content from document2" {
		t.Errorf("got %q", got.Text)
	}
}

func TestExtractBytes_docDeclaredAsLegacy(t *testing.T) {
	e := NewExtractor()
	got := e.ExtractBytes(minimalDocx("Legacy label, modern body"), "a.doc", "doc")
	if got.Text != "Legacy label, modern body" {
		t.Errorf("got %q", got.Text)
	}
}

func TestExtractBytes_excel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	f.SetCellValue("Sheet1", "A1", "Title")
	f.SetCellValue("Sheet1", "A2", "Value 1")
	f.SetCellValue("Sheet1", "B2", "Value 2")
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got := NewExtractor().ExtractBytes(buf.Bytes(), "a.xlsx", "xlsx")
	if got.Fallback {
		t.Fatalf("unexpected fallback: %q", got.Text)
	}
	if got.Text != "Sheet: Sheet1\nTitle\nValue 1\tValue 2" {
		t.Errorf("got %q", got.Text)
	}
}

func TestExtractBytes_excelSkipsHiddenAndEmptySheets(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	f.SetCellValue("Sheet1", "A1", "visible")
	if _, err := f.NewSheet("Secret"); err != nil {
		t.Fatal(err)
	}
	f.SetCellValue("Secret", "A1", "hidden")
	if err := f.SetSheetVisible("Secret", false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.NewSheet("Blank"); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	got := NewExtractor().ExtractBytes(buf.Bytes(), "b.xlsx", "xlsx")
	if got.Text != "Sheet: Sheet1\nvisible" {
		t.Errorf("got %q", got.Text)
	}
}

func TestExtractPlain(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"crlf", "a\r\nb", "a\nb"},
		{"bare cr", "a\rb", "a\nb"},
		{"bom", "\ufeffhello", "hello"},
		{"invalid utf8", "ok\xffok", "ok\ufffdok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractPlain([]byte(tt.in))
			if err != nil || got != tt.want {
				t.Errorf("extractPlain(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestExtractBytes_unsupportedTypeIsPlaceholder(t *testing.T) {
	got := NewExtractor().ExtractBytes([]byte{0x00, 0x01}, "image.png", "png")
	if !got.Fallback {
		t.Fatal("expected fallback")
	}
	if got.Text != "File uploaded: image.png\nUnsupported file type: png" {
		t.Errorf("got %q", got.Text)
	}
	if got.WordCount == 0 || got.PageCount != 1 {
		t.Errorf("metadata: words=%d pages=%d", got.WordCount, got.PageCount)
	}
}

func TestExtractBytes_corruptInputDegrades(t *testing.T) {
	e := NewExtractor()
	for _, typ := range []string{"pdf", "docx", "doc", "xlsx", "pptx", "odp", "ods"} {
		t.Run(typ, func(t *testing.T) {
			got := e.ExtractBytes([]byte("definitely not a "+typ), "broken."+typ, typ)
			if !got.Fallback {
				t.Fatalf("expected fallback, got %q", got.Text)
			}
			if !strings.HasPrefix(got.Text, "File uploaded: broken."+typ) {
				t.Errorf("got %q", got.Text)
			}
			if got.WordCount == 0 {
				t.Error("placeholder should have words")
			}
		})
	}
}

func TestExtractBytes_emptyText(t *testing.T) {
	got := NewExtractor().ExtractBytes([]byte("   \n\n  "), "blank.txt", "txt")
	if !got.Fallback || !strings.Contains(got.Text, "No extractable text found") {
		t.Errorf("got %+v", got)
	}
}

func TestExtract_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	if err := os.WriteFile(path, []byte("# Heading\n\nBody text"), 0644); err != nil {
		t.Fatal(err)
	}
	got := NewExtractor().Extract(path, "md")
	if got.Fallback || got.Text != "# Heading\n\nBody text" {
		t.Errorf("got %+v", got)
	}
}

func TestExtract_missingFile(t *testing.T) {
	got := NewExtractor().Extract(filepath.Join(t.TempDir(), "gone.txt"), "txt")
	if !got.Fallback {
		t.Fatal("expected fallback for missing file")
	}
	if strings.Contains(got.Text, string(filepath.Separator)+"gone.txt") {
		t.Errorf("placeholder leaks the path: %q", got.Text)
	}
}

func TestNormalizeType(t *testing.T) {
	tests := map[string]string{
		".PDF":     "pdf",
		"markdown": "md",
		"Text":     "txt",
		" docx ":   "docx",
		"pptx":     "pptx",
	}
	for in, want := range tests {
		if got := NormalizeType(in); got != want {
			t.Errorf("NormalizeType(%q) = %q, want %q", in, got, want)
		}
	}
	if Supported("key") {
		t.Error("key should be opaque")
	}
	for _, typ := range []string{"pptx", ".ODP", "ods"} {
		if !Supported(typ) {
			t.Errorf("%s should be supported", typ)
		}
	}
}

func TestWordCount(t *testing.T) {
	if got := WordCount("  one\ttwo\nthree  "); got != 3 {
		t.Errorf("WordCount = %d", got)
	}
	if got := WordCount(""); got != 0 {
		t.Errorf("WordCount(empty) = %d", got)
	}
}
