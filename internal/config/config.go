// Package config provides configuration loading and structs for the policydesk server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Index      IndexConfig      `yaml:"index"`
	Generation GenerationConfig `yaml:"generation"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
}

// StorageConfig holds paths for the analytics database, the index artifact and source documents.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	IndexPath    string `yaml:"index_path"`
	DocumentsDir string `yaml:"documents_dir"`
}

// EmbeddingConfig holds ONNX embedder settings.
type EmbeddingConfig struct {
	ModelPath  string `yaml:"model_path"`
	VocabPath  string `yaml:"vocab_path"`
	OutputName string `yaml:"output_name"`
	Dimensions int    `yaml:"dimensions"`
	MaxTokens  int    `yaml:"max_tokens"`
	CacheSize  int    `yaml:"cache_size"`
}

// IndexConfig holds document chunking settings used when building the index.
type IndexConfig struct {
	ChunkSize      int      `yaml:"chunk_size"`
	ChunkOverlap   int      `yaml:"chunk_overlap"`
	Extensions     []string `yaml:"extensions"`
	EmbedBatchSize int      `yaml:"embed_batch_size"`
}

// GenerationConfig holds settings for the hosted language model.
type GenerationConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKeyEnv       string        `yaml:"api_key_env"`
	Model           string        `yaml:"model"`
	AnswerMaxTokens int           `yaml:"answer_max_tokens"`
	ScoreMaxTokens  int           `yaml:"score_max_tokens"`
	Temperature     float32       `yaml:"temperature"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	JSONMode        bool          `yaml:"json_mode"`
}

// APIKey returns the API key from the environment variable named by APIKeyEnv.
func (g *GenerationConfig) APIKey() string {
	return os.Getenv(g.APIKeyEnv)
}

// PipelineConfig holds per-request query pipeline settings.
type PipelineConfig struct {
	TopK             int           `yaml:"top_k"`
	RetrievalTimeout time.Duration `yaml:"retrieval_timeout"`
	PersistTimeout   time.Duration `yaml:"persist_timeout"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	vocabUnset := cfg.Embedding.VocabPath == ""
	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)
	cfg.Storage.DocumentsDir = expandPath(cfg.Storage.DocumentsDir, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	if vocabUnset {
		cfg.Embedding.VocabPath = defaultVocabPath(cfg.Embedding.ModelPath)
	} else {
		cfg.Embedding.VocabPath = expandPath(cfg.Embedding.VocabPath, configDir)
	}

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
