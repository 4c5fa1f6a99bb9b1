// Package config provides configuration loading and structs for the intellidoc engine.
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
	Debug       bool              `yaml:"debug"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Vector      VectorConfig      `yaml:"vector"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Search      SearchConfig      `yaml:"search"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Watch       WatchConfig       `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// CORSOrigins enables cross-origin requests from these origins. Empty disables CORS.
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig holds paths for the database, uploaded files and indices.
type StorageConfig struct {
	DatabasePath     string `yaml:"database_path"`
	UploadDir        string `yaml:"upload_dir"`
	IndexDir         string `yaml:"index_dir"`
	KeywordIndexPath string `yaml:"keyword_index_path"`
}

// EmbeddingConfig selects and configures the embedder.
type EmbeddingConfig struct {
	// Provider is one of "hash", "onnx" or "openai".
	Provider   string       `yaml:"provider"`
	Model      string       `yaml:"model"`
	Dimensions int          `yaml:"dimensions"`
	ModelPath  string       `yaml:"model_path"`
	MaxTokens  int          `yaml:"max_tokens"`
	CacheSize  int          `yaml:"cache_size"`
	BatchSize  int          `yaml:"batch_size"`
	OpenAI     OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig holds settings for an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	// RequestsPerSecond throttles embedding requests. Zero means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// APIKey resolves the key from the configured environment variable.
func (o OpenAIConfig) APIKey() string {
	return os.Getenv(o.APIKeyEnv)
}

// VectorConfig selects the vector index variant.
type VectorConfig struct {
	// IndexType is "flat" (exact, contiguous) or "linear" (naive scan).
	IndexType string `yaml:"index_type"`
}

// ChunkingConfig holds chunker settings.
type ChunkingConfig struct {
	MaxChars int `yaml:"max_chars"`
	Overlap  int `yaml:"overlap"`
}

// SearchConfig holds search settings.
type SearchConfig struct {
	DefaultK  int `yaml:"default_k"`
	MaxK      int `yaml:"max_k"`
	Overfetch int `yaml:"overfetch"`
	// KeywordWeight is the keyword share of a hybrid score; the rest is semantic.
	KeywordWeight float64 `yaml:"keyword_weight"`
	// Fuzzy makes keyword matching tolerate typos up to Fuzziness edits per term.
	Fuzzy     bool `yaml:"fuzzy"`
	Fuzziness int  `yaml:"fuzziness"`
	// TitleBoost scales keyword matches in the document title; 1 means no boost.
	TitleBoost float64 `yaml:"title_boost"`
	// Suggest adds a corrected query to responses that found nothing.
	Suggest bool `yaml:"suggest"`
}

// JobsConfig holds orchestrator settings.
type JobsConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       time.Duration `yaml:"backoff"`
	BackoffPolicy string        `yaml:"backoff_policy"`
}

// MaintenanceConfig holds the stale sweep threshold.
type MaintenanceConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// AdmissionConfig holds per-owner upload limits. Zero or negative means unlimited.
type AdmissionConfig struct {
	MaxDocuments    int   `yaml:"max_documents"`
	MaxStorageBytes int64 `yaml:"max_storage_bytes"`
	MaxFileBytes    int64 `yaml:"max_file_bytes"`
}

// WatchConfig holds inbox watch settings.
type WatchConfig struct {
	InboxDir   string   `yaml:"inbox_dir"`
	Extensions []string `yaml:"extensions"`
}

// Enabled reports whether an inbox directory is configured.
func (w *WatchConfig) Enabled() bool {
	return w.InboxDir != ""
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

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.UploadDir = expandPath(cfg.Storage.UploadDir, configDir)
	cfg.Storage.IndexDir = expandPath(cfg.Storage.IndexDir, configDir)
	cfg.Storage.KeywordIndexPath = expandPath(cfg.Storage.KeywordIndexPath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	if cfg.Watch.InboxDir != "" {
		cfg.Watch.InboxDir = expandPath(cfg.Watch.InboxDir, configDir)
	}

	return &cfg, nil
}

// Validate rejects settings that cannot be reconciled by defaults.
func Validate(cfg *Config) error {
	switch cfg.Embedding.Provider {
	case "hash", "onnx", "openai":
	default:
		return fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
	switch cfg.Vector.IndexType {
	case "flat", "linear":
	default:
		return fmt.Errorf("unknown vector index type %q", cfg.Vector.IndexType)
	}
	switch cfg.Jobs.BackoffPolicy {
	case "linear", "exponential":
	default:
		return fmt.Errorf("unknown backoff policy %q", cfg.Jobs.BackoffPolicy)
	}
	if cfg.Chunking.Overlap >= cfg.Chunking.MaxChars {
		return fmt.Errorf("chunking overlap %d must be smaller than max_chars %d", cfg.Chunking.Overlap, cfg.Chunking.MaxChars)
	}
	if cfg.Search.KeywordWeight < 0 || cfg.Search.KeywordWeight > 1 {
		return fmt.Errorf("search keyword_weight %v must be within [0, 1]", cfg.Search.KeywordWeight)
	}
	if cfg.Search.Fuzziness < 0 || cfg.Search.Fuzziness > 2 {
		return fmt.Errorf("search fuzziness %d must be within [0, 2]", cfg.Search.Fuzziness)
	}
	if cfg.Search.TitleBoost < 0 {
		return fmt.Errorf("search title_boost %v must not be negative", cfg.Search.TitleBoost)
	}
	if cfg.Embedding.OpenAI.RequestsPerSecond < 0 {
		return fmt.Errorf("embedding openai requests_per_second %v must not be negative", cfg.Embedding.OpenAI.RequestsPerSecond)
	}
	return nil
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
