// Package embedding provides text embedding via ONNX and caching.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperjump/policydesk/internal/config"
	"github.com/hyperjump/policydesk/pkg/utils"
	"go.uber.org/zap"
)

// ErrModelNotFound is returned when the configured ONNX model file does not exist.
var ErrModelNotFound = errors.New("embedding model not found")

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// Name identifies the embedding function. Vectors from embedders with
	// different names are not comparable.
	Name() string
	Close() error
}

// ONNXOptions configures an ONNXEmbedder.
type ONNXOptions struct {
	ModelPath string
	// OutputName is the model output to read. "sentence_embedding" is used as is;
	// anything else is a per-token hidden state that gets mean-pooled.
	OutputName string
	Dimensions int
	MaxTokens  int
	CacheSize  int
}

const pooledOutput = "sentence_embedding"

// New returns the ONNX embedder for cfg. When the model is missing or ONNX runtime is
// unavailable it logs a warning and returns a HashingEmbedder of the same dimensions,
// so indexing and serving still work in development.
func New(cfg *config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	logger = utils.NopIfNil(logger)
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", cfg.Dimensions)
	}
	onnxEmbedder, err := newONNXFromConfig(cfg)
	if err != nil {
		logger.Warn("ONNX embedder unavailable, using hashing embedder",
			zap.String("model_path", cfg.ModelPath),
			zap.Error(err))
		return NewHashingEmbedder(cfg.Dimensions, cfg.CacheSize), nil
	}
	logger.Info("ONNX embedder loaded",
		zap.String("model_path", cfg.ModelPath),
		zap.String("vocab_path", cfg.VocabPath),
		zap.Int("dimensions", cfg.Dimensions))
	return onnxEmbedder, nil
}

func newONNXFromConfig(cfg *config.EmbeddingConfig) (Embedder, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.ModelPath, ErrModelNotFound)
	}
	tokenizer, err := LoadWordPieceVocab(cfg.VocabPath)
	if err != nil {
		return nil, err
	}
	e, err := NewONNXEmbedder(ONNXOptions{
		ModelPath:  cfg.ModelPath,
		OutputName: cfg.OutputName,
		Dimensions: cfg.Dimensions,
		MaxTokens:  cfg.MaxTokens,
		CacheSize:  cfg.CacheSize,
	}, tokenizer)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// onnxName is the embedder identity recorded in the index for an ONNX model.
func onnxName(modelPath string) string {
	return "onnx:" + filepath.Base(modelPath)
}

// meanPool averages per-token hidden states over the tokens the mask keeps.
// hidden is laid out [token][dim].
func meanPool(hidden []float32, mask []int64, dims int) []float32 {
	out := make([]float32, dims)
	var n float32
	for tok, m := range mask {
		if m == 0 || (tok+1)*dims > len(hidden) {
			continue
		}
		row := hidden[tok*dims : (tok+1)*dims]
		for d, v := range row {
			out[d] += v
		}
		n++
	}
	if n > 0 {
		for d := range out {
			out[d] /= n
		}
	}
	return out
}

// embedAll calls embed for each text, stopping early if ctx is done.
func embedAll(ctx context.Context, texts []string, embed func(context.Context, string) ([]float32, error)) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
