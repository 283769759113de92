// Package indexer builds the policy index artifact from source documents.
package indexer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/policydesk/internal/extract"
	"github.com/hyperjump/policydesk/internal/models"
)

// defaultSeparators are tried in order: paragraphs, lines, words, characters.
var defaultSeparators = []string{"\n\n", "\n", " ", ""}

// Chunker splits page text into overlapping chunks of at most chunkSize characters.
// Text is split on the coarsest separator that occurs, and pieces that are still
// too large are split again with the next separator.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

// NewChunker creates a chunker with the given size and overlap (in characters).
// An overlap that is not smaller than the size is ignored.
func NewChunker(chunkSize, chunkOverlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 0
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		separators:   defaultSeparators,
	}
}

// ChunkPage splits one page into Chunks. startIndex is the ChunkIndex of the first
// chunk so indices stay sequential across the pages of a document.
func (c *Chunker) ChunkPage(docID, document string, page extract.Page, startIndex int) []*models.Chunk {
	texts := c.Split(page.Text)
	if len(texts) == 0 {
		return nil
	}
	chunks := make([]*models.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, &models.Chunk{
			ID:             ChunkID(docID, startIndex+i),
			SourceDocument: document,
			PageNumber:     page.Number,
			ChunkIndex:     startIndex + i,
			Text:           text,
		})
	}
	return chunks
}

// Split returns the chunk texts for text. Chunks are trimmed and never empty.
func (c *Chunker) Split(text string) []string {
	return c.split(text, c.separators)
}

func (c *Chunker) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var next []string
	for i, s := range separators {
		if s == "" {
			separator = s
			break
		}
		if strings.Contains(text, s) {
			separator = s
			next = separators[i+1:]
			break
		}
	}

	var out, good []string
	for _, s := range splitOn(text, separator) {
		if runeLen(s) < c.chunkSize {
			good = append(good, s)
			continue
		}
		if len(good) > 0 {
			out = append(out, c.merge(good, separator)...)
			good = nil
		}
		if len(next) == 0 {
			if t := strings.TrimSpace(s); t != "" {
				out = append(out, t)
			}
			continue
		}
		out = append(out, c.split(s, next)...)
	}
	if len(good) > 0 {
		out = append(out, c.merge(good, separator)...)
	}
	return out
}

// merge joins small splits into chunks, carrying up to chunkOverlap characters
// of trailing splits into the next chunk.
func (c *Chunker) merge(splits []string, separator string) []string {
	sepLen := runeLen(separator)
	var docs, current []string
	total := 0
	joinLen := func() int {
		if len(current) > 0 {
			return sepLen
		}
		return 0
	}
	for _, s := range splits {
		n := runeLen(s)
		if total+n+joinLen() > c.chunkSize {
			if len(current) > 0 {
				if doc := strings.TrimSpace(strings.Join(current, separator)); doc != "" {
					docs = append(docs, doc)
				}
				for total > c.chunkOverlap || (total > 0 && total+n+joinLen() > c.chunkSize) {
					drop := runeLen(current[0])
					if len(current) > 1 {
						drop += sepLen
					}
					total -= drop
					current = current[1:]
				}
			}
		}
		current = append(current, s)
		total += n
		if len(current) > 1 {
			total += sepLen
		}
	}
	if doc := strings.TrimSpace(strings.Join(current, separator)); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func splitOn(text, separator string) []string {
	var parts []string
	if separator == "" {
		parts = make([]string, 0, len(text))
		for _, r := range text {
			parts = append(parts, string(r))
		}
		return parts
	}
	for _, p := range strings.Split(text, separator) {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// ChunkID is the stable ID of the index-th chunk of a document.
func ChunkID(docID string, index int) string {
	return fmt.Sprintf("%s_%06d", docID, index)
}
