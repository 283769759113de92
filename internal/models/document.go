// Package models defines core data structures for policy chunks, queries, and analytics.
package models

// Chunk is a bounded span of source-document text with known provenance.
// Chunks are written once by the index builder and never modified.
type Chunk struct {
	ID             string    `json:"id" db:"id"`
	SourceDocument string    `json:"source_document" db:"source_document"`
	PageNumber     int       `json:"page_number" db:"page_number"`
	ChunkIndex     int       `json:"chunk_index" db:"chunk_index"`
	Text           string    `json:"text" db:"text"`
	Embedding      []float32 `json:"-" db:"-"`
}

// Source returns the chunk's provenance as returned to callers.
func (c *Chunk) Source() Source {
	return Source{Document: c.SourceDocument, Page: c.PageNumber}
}

// Source identifies a page of a source document.
type Source struct {
	Document string `json:"document"`
	Page     int    `json:"page"`
}
