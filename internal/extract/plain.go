package extract

import (
	"strings"
	"unicode/utf8"
)

// pageBreak separates pages in plain-text policy notes.
const pageBreak = "\f"

// extractPlain splits content on form feeds, validating it is UTF-8.
// Invalid UTF-8 sequences are replaced with the replacement character.
func extractPlain(content []byte) ([]Page, error) {
	if !utf8.Valid(content) {
		content = []byte(strings.ToValidUTF8(string(content), "\ufffd"))
	}
	parts := strings.Split(string(content), pageBreak)
	pages := make([]Page, 0, len(parts))
	for i, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: part})
	}
	return pages, nil
}
