package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/policydesk/internal/models"
)

// openSQLite opens or creates a SQLite database at dbPath in WAL mode and applies schema.
// Parent directories are created if they do not exist.
func openSQLite(dbPath, schema string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

const chunkSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	source_document TEXT NOT NULL,
	page_number INTEGER NOT NULL,
	chunk_index INTEGER NOT NULL,
	text TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(source_document, chunk_index);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLiteChunkStore implements ChunkStore using SQLite.
type SQLiteChunkStore struct {
	db *sql.DB
}

// NewSQLiteChunkStore opens or creates the chunk database at dbPath.
func NewSQLiteChunkStore(dbPath string) (*SQLiteChunkStore, error) {
	db, err := openSQLite(dbPath, chunkSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteChunkStore{db: db}, nil
}

// BatchCreateChunks inserts chunks in a single transaction.
func (s *SQLiteChunkStore) BatchCreateChunks(ctx context.Context, chunks []*models.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, source_document, page_number, chunk_index, text)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.SourceDocument, c.PageNumber, c.ChunkIndex, c.Text); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// GetChunk returns a chunk by ID.
func (s *SQLiteChunkStore) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	var c models.Chunk
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_document, page_number, chunk_index, text
		 FROM chunks WHERE id = ?`, id,
	).Scan(&c.ID, &c.SourceDocument, &c.PageNumber, &c.ChunkIndex, &c.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChunks returns all chunks ordered by document and chunk index.
func (s *SQLiteChunkStore) ListChunks(ctx context.Context) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_document, page_number, chunk_index, text
		 FROM chunks ORDER BY source_document, chunk_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.SourceDocument, &c.PageNumber, &c.ChunkIndex, &c.Text); err != nil {
			return nil, err
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// CountChunks returns the total number of chunks.
func (s *SQLiteChunkStore) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

const (
	metaEmbedder     = "embedder"
	metaDimensions   = "dimensions"
	metaDocuments    = "documents"
	metaChunkCount   = "chunk_count"
	metaChunkSize    = "chunk_size"
	metaChunkOverlap = "chunk_overlap"
	metaBuiltAt      = "built_at"
)

// PutMeta stores the build metadata, replacing any previous values.
func (s *SQLiteChunkStore) PutMeta(ctx context.Context, meta *IndexMeta) error {
	values := map[string]string{
		metaEmbedder:     meta.Embedder,
		metaDimensions:   strconv.Itoa(meta.Dimensions),
		metaDocuments:    strconv.Itoa(meta.Documents),
		metaChunkCount:   strconv.FormatInt(meta.ChunkCount, 10),
		metaChunkSize:    strconv.Itoa(meta.ChunkSize),
		metaChunkOverlap: strconv.Itoa(meta.ChunkOverlap),
		metaBuiltAt:      meta.BuiltAt.UTC().Format(time.RFC3339Nano),
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return fmt.Errorf("write meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// GetMeta reads the build metadata. Returns ErrNotFound if none was written.
func (s *SQLiteChunkStore) GetMeta(ctx context.Context) (*IndexMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("index metadata: %w", ErrNotFound)
	}

	meta := &IndexMeta{Embedder: values[metaEmbedder]}
	meta.Dimensions, _ = strconv.Atoi(values[metaDimensions])
	meta.Documents, _ = strconv.Atoi(values[metaDocuments])
	meta.ChunkCount, _ = strconv.ParseInt(values[metaChunkCount], 10, 64)
	meta.ChunkSize, _ = strconv.Atoi(values[metaChunkSize])
	meta.ChunkOverlap, _ = strconv.Atoi(values[metaChunkOverlap])
	if v := values[metaBuiltAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse built_at: %w", err)
		}
		meta.BuiltAt = t
	}
	return meta, nil
}

// Close closes the database connection.
func (s *SQLiteChunkStore) Close() error {
	return s.db.Close()
}
