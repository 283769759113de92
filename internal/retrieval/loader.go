package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/hyperjump/policydesk/internal/embedding"
	"github.com/hyperjump/policydesk/internal/storage"
	"github.com/hyperjump/policydesk/internal/vector"
)

// EmbedderFactory constructs the query embedder when the index is loaded.
type EmbedderFactory func() (embedding.Embedder, error)

// LoadFunc loads a Retriever. IndexCache calls it at most once per successful load.
type LoadFunc func(ctx context.Context) (*Retriever, error)

// NewArtifactLoader returns a LoadFunc reading the artifact in indexDir.
func NewArtifactLoader(indexDir string, newEmbedder EmbedderFactory) LoadFunc {
	return func(ctx context.Context) (*Retriever, error) {
		return loadArtifact(ctx, indexDir, newEmbedder)
	}
}

func loadArtifact(ctx context.Context, indexDir string, newEmbedder EmbedderFactory) (*Retriever, error) {
	genDir, err := storage.CurrentGeneration(indexDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", indexDir, ErrIndexNotInitialized)
		}
		return nil, fmt.Errorf("resolve index: %w", err)
	}
	chunksPath, vectorsPath := storage.ArtifactPaths(genDir)
	for _, p := range []string{chunksPath, vectorsPath} {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%s: %w", p, ErrIndexNotInitialized)
			}
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
	}

	store, err := storage.NewSQLiteChunkStore(chunksPath)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	retriever, err := loadWithStore(ctx, store, vectorsPath, newEmbedder)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return retriever, nil
}

func loadWithStore(ctx context.Context, store *storage.SQLiteChunkStore, vectorsPath string, newEmbedder EmbedderFactory) (*Retriever, error) {
	meta, err := store.GetMeta(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("index metadata missing: %w", ErrIndexNotInitialized)
		}
		return nil, fmt.Errorf("read index metadata: %w", err)
	}

	index, err := vector.NewMemoryIndex(meta.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("create vector index: %w", err)
	}
	if err := index.Load(vectorsPath); err != nil {
		if errors.Is(err, vector.ErrIndexFileNotFound) {
			return nil, fmt.Errorf("%v: %w", err, ErrIndexNotInitialized)
		}
		return nil, fmt.Errorf("load vectors: %w", err)
	}
	count, err := store.CountChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	if count != int64(index.Size()) {
		return nil, fmt.Errorf("index artifact inconsistent: %d chunks, %d vectors", count, index.Size())
	}

	embedder, err := newEmbedder()
	if err != nil {
		return nil, fmt.Errorf("create query embedder: %w", err)
	}
	if embedder.Name() != meta.Embedder {
		_ = embedder.Close()
		return nil, fmt.Errorf("query embedder is %q but index was built with %q; %w",
			embedder.Name(), meta.Embedder, ErrEmbedderMismatch)
	}
	if embedder.Dimensions() != meta.Dimensions {
		_ = embedder.Close()
		return nil, fmt.Errorf("embedder has %d dimensions but index was built with %d; %w",
			embedder.Dimensions(), meta.Dimensions, ErrEmbedderMismatch)
	}
	return NewRetriever(store, index, embedder), nil
}
