package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/policydesk/internal/models"
)

func TestSQLiteChunkStore_Chunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "chunks.db")
	store, err := NewSQLiteChunkStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	chunks := []*models.Chunk{
		{ID: "d1_c1", SourceDocument: "fees.pdf", PageNumber: 1, ChunkIndex: 0, Text: "Overdraft fee is $35."},
		{ID: "d1_c2", SourceDocument: "fees.pdf", PageNumber: 2, ChunkIndex: 1, Text: "Wire fee is $25."},
		{ID: "d2_c1", SourceDocument: "dispute_policy.pdf", PageNumber: 4, ChunkIndex: 0, Text: "Duplicate charges."},
	}
	if err := store.BatchCreateChunks(ctx, chunks); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetChunk(ctx, "d1_c2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "Wire fee is $25." || got.PageNumber != 2 || got.SourceDocument != "fees.pdf" {
		t.Errorf("got %+v", got)
	}

	list, err := store.ListChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(list))
	}
	if list[0].SourceDocument != "dispute_policy.pdf" {
		t.Errorf("list should be ordered by document: got %s first", list[0].SourceDocument)
	}

	n, err := store.CountChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("CountChunks = %d, want 3", n)
	}

	_, err = store.GetChunk(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetChunk(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteChunkStore_DuplicateIDRollsBack(t *testing.T) {
	store, err := NewSQLiteChunkStore(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	chunks := []*models.Chunk{
		{ID: "same", SourceDocument: "a.pdf", PageNumber: 1, Text: "one"},
		{ID: "same", SourceDocument: "a.pdf", PageNumber: 1, Text: "two"},
	}
	if err := store.BatchCreateChunks(ctx, chunks); err == nil {
		t.Fatal("expected duplicate id error")
	}
	if n, _ := store.CountChunks(ctx); n != 0 {
		t.Errorf("failed batch should roll back, count = %d", n)
	}
}

func TestSQLiteChunkStore_Meta(t *testing.T) {
	store, err := NewSQLiteChunkStore(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetMeta(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMeta on empty store error = %v, want ErrNotFound", err)
	}

	builtAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	want := &IndexMeta{Embedder: "onnx:all-MiniLM-L6-v2.onnx", Dimensions: 384, Documents: 2, ChunkCount: 17, ChunkSize: 500, ChunkOverlap: 50, BuiltAt: builtAt}
	if err := store.PutMeta(ctx, want); err != nil {
		t.Fatal(err)
	}
	want.ChunkCount = 18
	if err := store.PutMeta(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetMeta(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Embedder != "onnx:all-MiniLM-L6-v2.onnx" || got.Dimensions != 384 || got.Documents != 2 || got.ChunkCount != 18 ||
		got.ChunkSize != 500 || got.ChunkOverlap != 50 || !got.BuiltAt.Equal(builtAt) {
		t.Errorf("GetMeta = %+v", got)
	}
}
