package embedding

import (
	"context"
	"hash/fnv"

	"github.com/hyperjump/policydesk/pkg/utils"
)

// HashingName is the identity of HashingEmbedder in index metadata.
const HashingName = "hashing"

// HashingEmbedder is a deterministic bag-of-words embedder. Each normalized word (and each
// adjacent word pair) is hashed into one of the dimensions; the result is L2-normalized.
// Texts sharing vocabulary land close together, which is enough for tests and for running
// without a model file.
type HashingEmbedder struct {
	dimensions int
	cache      *EmbeddingCache
}

// NewHashingEmbedder returns a hashing embedder with the given dimensions and cache size.
func NewHashingEmbedder(dimensions, cacheSize int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashingEmbedder{dimensions: dimensions, cache: NewEmbeddingCache(cacheSize)}
}

// Embed returns the embedding for text.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	emb := make([]float32, e.dimensions)
	words := NormalizedWords(text)
	for i, w := range words {
		emb[e.bucket(w)] += 1
		if i > 0 {
			emb[e.bucket(words[i-1]+" "+w)] += 0.5
		}
	}
	utils.NormalizeL2(emb)
	e.cache.Set(text, emb)
	return emb, nil
}

func (e *HashingEmbedder) bucket(token string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return int(h.Sum32() % uint32(e.dimensions))
}

// EmbedBatch calls Embed for each text.
func (e *HashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedAll(ctx, texts, e.Embed)
}

// Dimensions returns the embedding dimension.
func (e *HashingEmbedder) Dimensions() int {
	return e.dimensions
}

// Name returns "hashing".
func (e *HashingEmbedder) Name() string {
	return HashingName
}

// Close is a no-op for HashingEmbedder.
func (e *HashingEmbedder) Close() error {
	return nil
}
