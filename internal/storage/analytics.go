package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/hyperjump/policydesk/internal/models"
)

const analyticsSchema = `
CREATE TABLE IF NOT EXISTS queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	user_name TEXT NOT NULL,
	original_question TEXT NOT NULL,
	reformulated_query TEXT NOT NULL,
	answer TEXT NOT NULL,
	confidence_score INTEGER NOT NULL,
	primary_source_document TEXT NOT NULL,
	response_time_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queries_confidence ON queries(confidence_score);
CREATE INDEX IF NOT EXISTS idx_queries_user ON queries(user_name);
CREATE INDEX IF NOT EXISTS idx_queries_timestamp ON queries(timestamp);
`

// SQLiteAnalyticsStore implements AnalyticsStore using SQLite.
type SQLiteAnalyticsStore struct {
	db *sql.DB
}

// NewSQLiteAnalyticsStore opens or creates the analytics database at dbPath.
func NewSQLiteAnalyticsStore(dbPath string) (*SQLiteAnalyticsStore, error) {
	db, err := openSQLite(dbPath, analyticsSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteAnalyticsStore{db: db}, nil
}

// Append inserts record. The confidence score is clamped to [0,100].
func (s *SQLiteAnalyticsStore) Append(ctx context.Context, record *models.QueryRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	record.Timestamp = record.Timestamp.UTC()
	record.ConfidenceScore = models.ClampConfidence(record.ConfidenceScore)

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO queries (timestamp, user_name, original_question, reformulated_query,
		 answer, confidence_score, primary_source_document, response_time_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Timestamp, record.UserName, record.OriginalQuestion, record.ReformulatedQuery,
		record.Answer, record.ConfidenceScore, record.PrimarySourceDocument, record.ResponseTimeMS,
	)
	if err != nil {
		return fmt.Errorf("insert query record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("query record id: %w", err)
	}
	record.ID = id
	return nil
}

// Count returns the number of records.
func (s *SQLiteAnalyticsStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queries`).Scan(&count)
	return count, err
}

// Aggregate computes dashboard statistics. Average confidence is rounded to one
// decimal place and average response time to whole milliseconds.
func (s *SQLiteAnalyticsStore) Aggregate(ctx context.Context) (*models.AggregateStats, error) {
	stats := &models.AggregateStats{
		UserStats:            make([]models.UserStat, 0),
		DocumentStats:        make([]models.DocumentStat, 0),
		LowConfidenceQueries: make([]*models.QueryRecord, 0),
	}

	var avgConfidence, avgResponse float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(confidence_score), 0), COALESCE(AVG(response_time_ms), 0),
		 COUNT(DISTINCT user_name) FROM queries`,
	).Scan(&stats.TotalQueries, &avgConfidence, &avgResponse, &stats.ActiveReps)
	if err != nil {
		return nil, fmt.Errorf("aggregate totals: %w", err)
	}
	stats.AvgConfidence = roundTo(avgConfidence, 1)
	stats.AvgResponseTime = int64(math.Round(avgResponse))

	if err := s.userStats(ctx, stats); err != nil {
		return nil, err
	}
	if err := s.documentStats(ctx, stats); err != nil {
		return nil, err
	}
	if err := s.lowConfidence(ctx, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLiteAnalyticsStore) userStats(ctx context.Context, stats *models.AggregateStats) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_name, COUNT(*), AVG(confidence_score) FROM queries
		 GROUP BY user_name ORDER BY COUNT(*) DESC, user_name`)
	if err != nil {
		return fmt.Errorf("aggregate users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u models.UserStat
		if err := rows.Scan(&u.Name, &u.QueryCount, &u.AvgConfidence); err != nil {
			return err
		}
		u.AvgConfidence = roundTo(u.AvgConfidence, 1)
		stats.UserStats = append(stats.UserStats, u)
	}
	return rows.Err()
}

func (s *SQLiteAnalyticsStore) documentStats(ctx context.Context, stats *models.AggregateStats) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT primary_source_document, COUNT(*) FROM queries
		 GROUP BY primary_source_document ORDER BY COUNT(*) DESC, primary_source_document`)
	if err != nil {
		return fmt.Errorf("aggregate documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d models.DocumentStat
		if err := rows.Scan(&d.Document, &d.UsageCount); err != nil {
			return err
		}
		stats.DocumentStats = append(stats.DocumentStats, d)
	}
	return rows.Err()
}

func (s *SQLiteAnalyticsStore) lowConfidence(ctx context.Context, stats *models.AggregateStats) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, user_name, original_question, reformulated_query, answer,
		 confidence_score, primary_source_document, response_time_ms
		 FROM queries WHERE confidence_score < ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		models.LowConfidenceThreshold, models.LowConfidenceLimit)
	if err != nil {
		return fmt.Errorf("aggregate low confidence: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r models.QueryRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.UserName, &r.OriginalQuestion, &r.ReformulatedQuery,
			&r.Answer, &r.ConfidenceScore, &r.PrimarySourceDocument, &r.ResponseTimeMS); err != nil {
			return err
		}
		stats.LowConfidenceQueries = append(stats.LowConfidenceQueries, &r)
	}
	return rows.Err()
}

// Close closes the database connection.
func (s *SQLiteAnalyticsStore) Close() error {
	return s.db.Close()
}

func roundTo(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
