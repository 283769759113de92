package models

// RetrievedMatch is a chunk returned by a similarity search, with its 1-based rank.
// Matches are produced per query and never persisted.
type RetrievedMatch struct {
	Chunk *Chunk  `json:"chunk"`
	Rank  int     `json:"rank"`
	Score float64 `json:"-"`
}

// LowConfidenceThreshold is the score below which a record is listed as low confidence.
const LowConfidenceThreshold = 70

// LowConfidenceLimit bounds the number of low-confidence records in AggregateStats.
const LowConfidenceLimit = 10

// AggregateStats summarises the full query log for the dashboard.
type AggregateStats struct {
	TotalQueries         int64          `json:"total_queries"`
	AvgConfidence        float64        `json:"avg_confidence"`
	ActiveReps           int            `json:"active_reps"`
	AvgResponseTime      int64          `json:"avg_response_time"`
	UserStats            []UserStat     `json:"user_stats"`
	DocumentStats        []DocumentStat `json:"document_stats"`
	LowConfidenceQueries []*QueryRecord `json:"low_confidence_queries"`
}

// UserStat is the per-user share of AggregateStats.
type UserStat struct {
	Name          string  `json:"name"`
	QueryCount    int64   `json:"query_count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// DocumentStat counts how often a document was the primary source of an answer.
type DocumentStat struct {
	Document   string `json:"document"`
	UsageCount int64  `json:"usage_count"`
}
