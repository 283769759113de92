package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hyperjump/policydesk/internal/config"
	"github.com/hyperjump/policydesk/internal/embedding"
	"github.com/hyperjump/policydesk/internal/extract"
	"github.com/hyperjump/policydesk/internal/fileid"
	"github.com/hyperjump/policydesk/internal/models"
	"github.com/hyperjump/policydesk/internal/storage"
	"github.com/hyperjump/policydesk/internal/vector"
	"github.com/hyperjump/policydesk/pkg/utils"
	"go.uber.org/zap"
)

var (
	// ErrDocumentsNotFound is returned when the documents directory does not exist.
	ErrDocumentsNotFound = errors.New("documents directory not found")
	// ErrNoDocuments is returned when no document produced any chunk.
	ErrNoDocuments = errors.New("no documents to index")
)

const defaultEmbedBatchSize = 32

// BuildReport summarizes one index build.
type BuildReport struct {
	Documents int           `json:"documents"`
	Pages     int           `json:"pages"`
	Chunks    int           `json:"chunks"`
	Skipped   []string      `json:"skipped,omitempty"`
	IndexPath string        `json:"index_path"`
	Duration  time.Duration `json:"duration"`
}

// Builder turns a directory of policy documents into an index artifact.
type Builder struct {
	embedder     embedding.Embedder
	extractor    *extract.Extractor
	chunker      *Chunker
	indexPath    string
	extensions   []string
	batchSize    int
	chunkSize    int
	chunkOverlap int
	logger       *zap.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithLogger sets a logger for build progress.
func WithLogger(l *zap.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// WithExtensions overrides the file extensions considered documents.
func WithExtensions(exts []string) BuilderOption {
	return func(b *Builder) { b.extensions = exts }
}

// NewBuilder creates a builder writing the artifact to indexPath.
func NewBuilder(
	embedder embedding.Embedder,
	extractor *extract.Extractor,
	cfg *config.IndexConfig,
	indexPath string,
	opts ...BuilderOption,
) *Builder {
	b := &Builder{
		embedder:     embedder,
		extractor:    extractor,
		chunker:      NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		indexPath:    indexPath,
		extensions:   cfg.Extensions,
		batchSize:    cfg.EmbedBatchSize,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.batchSize <= 0 {
		b.batchSize = defaultEmbedBatchSize
	}
	if len(b.extensions) == 0 {
		b.extensions = []string{".pdf"}
	}
	if b.extractor == nil {
		b.extractor = extract.NewExtractor()
	}
	b.logger = utils.NopIfNil(b.logger)
	return b
}

// Build indexes every top-level document in documentsDir and atomically replaces the
// artifact at the builder's index path. A document that fails to extract is logged and
// skipped; the build fails only when nothing at all could be chunked.
func (b *Builder) Build(ctx context.Context, documentsDir string) (*BuildReport, error) {
	start := time.Now()
	files, err := b.listDocuments(documentsDir)
	if err != nil {
		return nil, err
	}
	report := &BuildReport{IndexPath: b.indexPath}

	var chunks []*models.Chunk
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docChunks, pages, err := b.chunkFile(path)
		if err != nil {
			b.logger.Warn("skipping document", zap.String("path", path), zap.Error(err))
			report.Skipped = append(report.Skipped, filepath.Base(path))
			continue
		}
		if len(docChunks) == 0 {
			b.logger.Warn("document has no text", zap.String("path", path))
			report.Skipped = append(report.Skipped, filepath.Base(path))
			continue
		}
		b.logger.Debug("document chunked",
			zap.String("document", filepath.Base(path)),
			zap.Int("pages", pages),
			zap.Int("chunks", len(docChunks)))
		report.Documents++
		report.Pages += pages
		chunks = append(chunks, docChunks...)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%s: %w", documentsDir, ErrNoDocuments)
	}

	genDir, err := b.writeArtifact(ctx, chunks, report.Documents)
	if err != nil {
		return nil, err
	}
	if err := b.publish(genDir); err != nil {
		_ = os.RemoveAll(genDir)
		return nil, err
	}

	report.Chunks = len(chunks)
	report.Duration = time.Since(start)
	b.logger.Info("index built",
		zap.String("index_path", b.indexPath),
		zap.Int("documents", report.Documents),
		zap.Int("pages", report.Pages),
		zap.Int("chunks", report.Chunks),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// Extensions returns the document extensions this builder indexes.
func (b *Builder) Extensions() []string {
	return b.extensions
}

func (b *Builder) listDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dir, ErrDocumentsNotFound)
		}
		return nil, fmt.Errorf("read documents directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !extensionAllowed(filepath.Ext(e.Name()), b.extensions) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("%s has no %s files: %w", dir, strings.Join(b.extensions, "/"), ErrNoDocuments)
	}
	return files, nil
}

func (b *Builder) chunkFile(path string) ([]*models.Chunk, int, error) {
	pages, err := b.extractor.Extract(path)
	if err != nil {
		return nil, 0, err
	}
	docID := fileid.DocID(path)
	document := filepath.Base(path)
	var chunks []*models.Chunk
	for _, page := range pages {
		page.Text = Preprocess(page.Text)
		chunks = append(chunks, b.chunker.ChunkPage(docID, document, page, len(chunks))...)
	}
	return chunks, len(pages), nil
}

// writeArtifact embeds chunks and writes the chunk database and vector file into a
// new generation directory under the index path. The caller publishes it.
func (b *Builder) writeArtifact(ctx context.Context, chunks []*models.Chunk, documents int) (string, error) {
	if err := os.MkdirAll(b.indexPath, 0755); err != nil {
		return "", fmt.Errorf("create index dir: %w", err)
	}
	genName := fmt.Sprintf("%s%s-", storage.GenerationPrefix, time.Now().UTC().Format("20060102T150405"))
	tmpDir, err := os.MkdirTemp(b.indexPath, genName)
	if err != nil {
		return "", fmt.Errorf("create index generation: %w", err)
	}
	fail := func(err error) (string, error) {
		_ = os.RemoveAll(tmpDir)
		return "", err
	}

	if err := b.embedChunks(ctx, chunks); err != nil {
		return fail(err)
	}

	dims := b.embedder.Dimensions()
	vecIndex, err := vector.NewMemoryIndex(dims)
	if err != nil {
		return fail(fmt.Errorf("create vector index: %w", err))
	}
	ids := make([]string, len(chunks))
	vecs := make([][]float32, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
		vecs[i] = ch.Embedding
	}
	if err := vecIndex.Add(ctx, ids, vecs); err != nil {
		return fail(fmt.Errorf("index vectors: %w", err))
	}

	chunksPath, vectorsPath := storage.ArtifactPaths(tmpDir)
	if err := vecIndex.Save(vectorsPath); err != nil {
		return fail(fmt.Errorf("save vectors: %w", err))
	}

	store, err := storage.NewSQLiteChunkStore(chunksPath)
	if err != nil {
		return fail(fmt.Errorf("open chunk store: %w", err))
	}
	err = b.writeChunks(ctx, store, chunks, documents, dims)
	if closeErr := store.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close chunk store: %w", closeErr)
	}
	if err != nil {
		return fail(err)
	}
	return tmpDir, nil
}

func (b *Builder) embedChunks(ctx context.Context, chunks []*models.Chunk) error {
	for start := 0; start < len(chunks); start += b.batchSize {
		end := start + b.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-start)
		for i, ch := range chunks[start:end] {
			texts[i] = ch.Text
		}
		embeddings, err := b.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(embeddings) != len(texts) {
			return fmt.Errorf("embedder returned %d embeddings for %d texts", len(embeddings), len(texts))
		}
		for i, emb := range embeddings {
			chunks[start+i].Embedding = emb
		}
		b.logger.Debug("embedded batch", zap.Int("from", start), zap.Int("to", end))
	}
	return nil
}

func (b *Builder) writeChunks(ctx context.Context, store *storage.SQLiteChunkStore, chunks []*models.Chunk, documents, dims int) error {
	if err := store.BatchCreateChunks(ctx, chunks); err != nil {
		return fmt.Errorf("failed to store chunks: %w", err)
	}
	meta := &storage.IndexMeta{
		Embedder:     b.embedder.Name(),
		Dimensions:   dims,
		Documents:    documents,
		ChunkCount:   int64(len(chunks)),
		ChunkSize:    b.chunkSize,
		ChunkOverlap: b.chunkOverlap,
		BuiltAt:      time.Now().UTC(),
	}
	if err := store.PutMeta(ctx, meta); err != nil {
		return fmt.Errorf("failed to store index metadata: %w", err)
	}
	return nil
}

// publish points the index at genDir and removes older generations. The generation
// it replaced is kept until the next build, so a loader that read the old pointer
// can still open it.
func (b *Builder) publish(genDir string) error {
	previous, _ := storage.CurrentGeneration(b.indexPath)
	gen := filepath.Base(genDir)
	if err := storage.PublishGeneration(b.indexPath, gen); err != nil {
		return fmt.Errorf("publish index: %w", err)
	}
	entries, err := os.ReadDir(b.indexPath)
	if err != nil {
		b.logger.Warn("failed to list old index generations", zap.Error(err))
		return nil
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, storage.GenerationPrefix) ||
			name == gen || name == filepath.Base(previous) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(b.indexPath, name)); err != nil {
			b.logger.Warn("failed to remove old index generation", zap.String("generation", name), zap.Error(err))
		}
	}
	return nil
}

// extensionAllowed reports whether ext (e.g. ".pdf") is in allowed (case-insensitive; "pdf" and ".pdf" both match).
func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
