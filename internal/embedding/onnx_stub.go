//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

var errONNXRequiresCGO = errors.New("ONNX embedder requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// ONNXEmbedder stub type when built without CGO (see onnx.go for real implementation).
type ONNXEmbedder struct{}

// NewONNXEmbedder returns an error when built without CGO (ONNX not available).
func NewONNXEmbedder(ONNXOptions, Tokenizer) (*ONNXEmbedder, error) {
	return nil, errONNXRequiresCGO
}

func (e *ONNXEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errONNXRequiresCGO
}

func (e *ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errONNXRequiresCGO
}

func (e *ONNXEmbedder) Dimensions() int { return 0 }

func (e *ONNXEmbedder) Name() string { return "onnx" }

func (e *ONNXEmbedder) Close() error { return nil }
