package models

import (
	"errors"
	"strings"
	"time"
)

// ErrEmptyQuestion is returned by Validate when the question is blank.
var ErrEmptyQuestion = errors.New("question cannot be empty")

// DefaultUserName is recorded when a request carries no user name.
const DefaultUserName = "anonymous"

// UnknownSource is recorded as the primary source when retrieval returned no matches.
const UnknownSource = "Unknown"

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Question string `json:"question"`
	UserName string `json:"user_name"`
}

// Validate trims the request fields and sets defaults.
// Returns ErrEmptyQuestion if the question is blank.
func (q *QueryRequest) Validate() error {
	q.Question = strings.TrimSpace(q.Question)
	q.UserName = strings.TrimSpace(q.UserName)
	if q.Question == "" {
		return ErrEmptyQuestion
	}
	if q.UserName == "" {
		q.UserName = DefaultUserName
	}
	return nil
}

// QueryResponse is the successful result of a pipeline run.
type QueryResponse struct {
	Success           bool     `json:"success"`
	OriginalQuestion  string   `json:"original_question"`
	ReformulatedQuery string   `json:"reformulated_query"`
	Answer            string   `json:"answer"`
	ConfidenceScore   int      `json:"confidence_score"`
	Sources           []Source `json:"sources"`
	ResponseTimeMS    int64    `json:"response_time_milliseconds"`
}

// QueryRecord is one persisted interaction. Records are append-only.
type QueryRecord struct {
	ID                    int64     `json:"id" db:"id"`
	Timestamp             time.Time `json:"timestamp" db:"timestamp"`
	UserName              string    `json:"user_name" db:"user_name"`
	OriginalQuestion      string    `json:"original_question" db:"original_question"`
	ReformulatedQuery     string    `json:"reformulated_query" db:"reformulated_query"`
	Answer                string    `json:"answer" db:"answer"`
	ConfidenceScore       int       `json:"confidence_score" db:"confidence_score"`
	PrimarySourceDocument string    `json:"primary_source_document" db:"primary_source_document"`
	ResponseTimeMS        int64     `json:"response_time_milliseconds" db:"response_time_ms"`
}

// ClampConfidence bounds a confidence score to [0,100].
func ClampConfidence(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
