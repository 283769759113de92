package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/policydesk/internal/config"
	"github.com/hyperjump/policydesk/internal/embedding"
	"github.com/hyperjump/policydesk/internal/storage"
	"github.com/hyperjump/policydesk/internal/vector"
	"go.uber.org/zap"
)

func newTestBuilder(t *testing.T, indexPath string) *Builder {
	t.Helper()
	cfg := &config.IndexConfig{ChunkSize: 120, ChunkOverlap: 20, EmbedBatchSize: 2}
	return NewBuilder(embedding.NewHashingEmbedder(64, 0), nil, cfg, indexPath,
		WithExtensions([]string{".txt"}),
		WithLogger(zap.NewNop()))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestBuilder_Build(t *testing.T) {
	docs := t.TempDir()
	writeFile(t, docs, "fee_schedule.txt", "Overdraft fee is $35 per item.\fMonthly maintenance fee is $12, waived with a $1,500 balance.")
	writeFile(t, docs, "dispute_policy.txt", "Card disputes must be filed within 60 days of the statement date. Call 1-800-555-0100.")
	writeFile(t, docs, "ignored.md", "not an allowed extension")
	indexPath := filepath.Join(t.TempDir(), "index")

	report, err := newTestBuilder(t, indexPath).Build(context.Background(), docs)
	if err != nil {
		t.Fatal(err)
	}
	if report.Documents != 2 || report.Pages != 3 {
		t.Errorf("report = %+v, want 2 documents and 3 pages", report)
	}
	if report.Chunks < 3 {
		t.Errorf("Chunks = %d, want at least one per page", report.Chunks)
	}

	genDir, err := storage.CurrentGeneration(indexPath)
	if err != nil {
		t.Fatal(err)
	}
	chunksPath, vectorsPath := storage.ArtifactPaths(genDir)
	store, err := storage.NewSQLiteChunkStore(chunksPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	chunks, err := store.ListChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != report.Chunks {
		t.Errorf("stored %d chunks, report says %d", len(chunks), report.Chunks)
	}
	var sawPage2 bool
	for _, ch := range chunks {
		if ch.PageNumber < 1 {
			t.Errorf("chunk %s has page %d", ch.ID, ch.PageNumber)
		}
		if ch.SourceDocument == "fee_schedule.txt" && ch.PageNumber == 2 {
			sawPage2 = true
		}
		if len([]rune(ch.Text)) > 120 {
			t.Errorf("chunk %s exceeds chunk size", ch.ID)
		}
	}
	if !sawPage2 {
		t.Error("expected a chunk from page 2 of fee_schedule.txt")
	}

	meta, err := store.GetMeta(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Embedder != embedding.HashingName || meta.Dimensions != 64 || meta.ChunkCount != int64(report.Chunks) || meta.Documents != 2 {
		t.Errorf("meta = %+v", meta)
	}

	idx, _ := vector.NewMemoryIndex(64)
	if err := idx.Load(vectorsPath); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != report.Chunks {
		t.Errorf("vector index size = %d, want %d", idx.Size(), report.Chunks)
	}
}

func TestBuilder_RebuildReplacesIndex(t *testing.T) {
	docs := t.TempDir()
	writeFile(t, docs, "a.txt", "first version of the policy")
	indexPath := filepath.Join(t.TempDir(), "index")
	b := newTestBuilder(t, indexPath)
	if _, err := b.Build(context.Background(), docs); err != nil {
		t.Fatal(err)
	}
	writeFile(t, docs, "b.txt", "a second policy document")
	report, err := b.Build(context.Background(), docs)
	if err != nil {
		t.Fatal(err)
	}
	if report.Documents != 2 {
		t.Errorf("Documents = %d, want 2", report.Documents)
	}
	entries, err := os.ReadDir(filepath.Dir(indexPath))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "index" {
			t.Errorf("leftover entry after rebuild: %s", e.Name())
		}
	}
}

func TestBuilder_RebuildKeepsPreviousGeneration(t *testing.T) {
	docs := t.TempDir()
	writeFile(t, docs, "a.txt", "first version of the policy")
	indexPath := filepath.Join(t.TempDir(), "index")
	b := newTestBuilder(t, indexPath)

	var gens []string
	for i := 0; i < 3; i++ {
		if _, err := b.Build(context.Background(), docs); err != nil {
			t.Fatal(err)
		}
		gen, err := storage.CurrentGeneration(indexPath)
		if err != nil {
			t.Fatal(err)
		}
		gens = append(gens, gen)
	}
	if gens[0] == gens[1] || gens[1] == gens[2] {
		t.Fatalf("each build should publish a new generation: %v", gens)
	}

	// A loader that read the pointer before the last build can still open its files.
	chunksPath, vectorsPath := storage.ArtifactPaths(gens[1])
	for _, p := range []string{chunksPath, vectorsPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("previous generation file missing: %v", err)
		}
	}
	if _, err := os.Stat(gens[0]); !os.IsNotExist(err) {
		t.Errorf("generation two builds old should be removed, stat err = %v", err)
	}

	entries, err := os.ReadDir(indexPath)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 3 {
		t.Errorf("index dir = %v, want CURRENT and two generations", names)
	}
}

func TestBuilder_MissingDirectory(t *testing.T) {
	b := newTestBuilder(t, filepath.Join(t.TempDir(), "index"))
	_, err := b.Build(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrDocumentsNotFound) {
		t.Errorf("error = %v, want ErrDocumentsNotFound", err)
	}
}

func TestBuilder_NoDocuments(t *testing.T) {
	docs := t.TempDir()
	writeFile(t, docs, "readme.md", "wrong extension")
	writeFile(t, docs, "blank.txt", "   \f  \n ")
	indexPath := filepath.Join(t.TempDir(), "index")
	b := newTestBuilder(t, indexPath)

	_, err := b.Build(context.Background(), docs)
	if !errors.Is(err, ErrNoDocuments) {
		t.Errorf("error = %v, want ErrNoDocuments", err)
	}
	if _, statErr := os.Stat(indexPath); !os.IsNotExist(statErr) {
		t.Error("no index should be written when there is nothing to index")
	}
}

func TestBuilder_SkipsUnreadableDocument(t *testing.T) {
	docs := t.TempDir()
	writeFile(t, docs, "good.txt", "Wire transfers over $10,000 require a callback.")
	writeFile(t, docs, "empty.txt", "")
	b := newTestBuilder(t, filepath.Join(t.TempDir(), "index"))
	report, err := b.Build(context.Background(), docs)
	if err != nil {
		t.Fatal(err)
	}
	if report.Documents != 1 || len(report.Skipped) != 1 || !strings.HasPrefix(report.Skipped[0], "empty") {
		t.Errorf("report = %+v", report)
	}
}

func TestExtensionAllowed(t *testing.T) {
	tests := []struct {
		ext     string
		allowed []string
		want    bool
	}{
		{".pdf", []string{".pdf"}, true},
		{".PDF", []string{"pdf"}, true},
		{".txt", []string{".pdf"}, false},
		{".md", []string{".txt", ".md"}, true},
	}
	for _, tt := range tests {
		if got := extensionAllowed(tt.ext, tt.allowed); got != tt.want {
			t.Errorf("extensionAllowed(%q, %v) = %v, want %v", tt.ext, tt.allowed, got, tt.want)
		}
	}
}
