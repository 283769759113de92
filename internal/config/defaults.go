package config

import (
	"path/filepath"
	"time"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 90 * time.Second
	}
	if cfg.Server.CORSAllowedOrigins == nil {
		cfg.Server.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/policydesk/data/db/queries.db"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "/usr/local/var/policydesk/data/index"
	}
	if cfg.Storage.DocumentsDir == "" {
		cfg.Storage.DocumentsDir = "/usr/local/var/policydesk/data/documents"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/policydesk/data/models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.VocabPath == "" {
		cfg.Embedding.VocabPath = defaultVocabPath(cfg.Embedding.ModelPath)
	}
	if cfg.Embedding.OutputName == "" {
		cfg.Embedding.OutputName = "last_hidden_state"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Index.ChunkSize == 0 {
		cfg.Index.ChunkSize = 500
	}
	if cfg.Index.ChunkOverlap == 0 {
		cfg.Index.ChunkOverlap = 50
	}
	if cfg.Index.Extensions == nil {
		cfg.Index.Extensions = []string{".pdf"}
	}
	if cfg.Index.EmbedBatchSize == 0 {
		cfg.Index.EmbedBatchSize = 32
	}
	if cfg.Generation.APIKeyEnv == "" {
		cfg.Generation.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "gpt-4o-mini"
	}
	if cfg.Generation.AnswerMaxTokens == 0 {
		cfg.Generation.AnswerMaxTokens = 500
	}
	if cfg.Generation.ScoreMaxTokens == 0 {
		cfg.Generation.ScoreMaxTokens = 20
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = 45 * time.Second
	}
	if cfg.Generation.MaxRetries == 0 {
		cfg.Generation.MaxRetries = 2
	}
	if cfg.Pipeline.TopK == 0 {
		cfg.Pipeline.TopK = 3
	}
	if cfg.Pipeline.RetrievalTimeout == 0 {
		cfg.Pipeline.RetrievalTimeout = 30 * time.Second
	}
	if cfg.Pipeline.PersistTimeout == 0 {
		cfg.Pipeline.PersistTimeout = 5 * time.Second
	}
}

// defaultVocabPath is vocab.txt next to the model file.
func defaultVocabPath(modelPath string) string {
	return filepath.Join(filepath.Dir(modelPath), "vocab.txt")
}
