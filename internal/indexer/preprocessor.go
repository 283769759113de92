package indexer

import (
	"strings"
	"unicode"
)

// Preprocess normalizes extracted page text for chunking. Runs of spaces and tabs
// collapse to one space, lines are trimmed, and paragraph breaks are kept as a
// single blank line.
func Preprocess(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var b strings.Builder
	blank := 0
	for _, line := range lines {
		line = collapseSpaces(line)
		if line == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			if blank > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteByte('\n')
			}
		}
		b.WriteString(line)
		blank = 0
	}
	return b.String()
}

func collapseSpaces(line string) string {
	var b strings.Builder
	wasSpace := false
	for _, r := range strings.TrimSpace(line) {
		if unicode.IsSpace(r) {
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		} else {
			b.WriteRune(r)
			wasSpace = false
		}
	}
	return b.String()
}
