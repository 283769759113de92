// Package extract provides page-level text extraction from policy documents.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Page is the text of one page of a source document. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// Extractor extracts page text from document files.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract reads the file at path and returns its non-blank pages in order.
// PDF pages are read from the document structure; plain text (.txt, .md) is split
// into pages on form feed characters.
// Returns an error if the file cannot be read or the format is unsupported.
func (e *Extractor) Extract(path string) ([]Page, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	return e.ExtractBytes(content, ext)
}

// ExtractBytes extracts pages from content based on the given extension.
// ext should include the leading dot (e.g. ".pdf").
func (e *Extractor) ExtractBytes(content []byte, ext string) ([]Page, error) {
	switch ext {
	case ".pdf":
		return extractPDF(content)
	case ".txt", ".md", "":
		return extractPlain(content)
	default:
		return nil, fmt.Errorf("unsupported document format %q", ext)
	}
}

// Supported reports whether ext can be extracted.
func Supported(ext string) bool {
	switch strings.ToLower(ext) {
	case ".pdf", ".txt", ".md":
		return true
	}
	return false
}
