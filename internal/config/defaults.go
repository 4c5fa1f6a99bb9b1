package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/intellidoc/data/db/documents.db"
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "/usr/local/var/intellidoc/data/uploads"
	}
	if cfg.Storage.IndexDir == "" {
		cfg.Storage.IndexDir = "/usr/local/var/intellidoc/data/indices/vector"
	}
	if cfg.Storage.KeywordIndexPath == "" {
		cfg.Storage.KeywordIndexPath = "/usr/local/var/intellidoc/data/indices/bleve"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "hash"
	}
	if cfg.Embedding.Model == "" {
		switch cfg.Embedding.Provider {
		case "openai":
			cfg.Embedding.Model = "text-embedding-3-small"
		case "onnx":
			cfg.Embedding.Model = "all-MiniLM-L6-v2"
		default:
			cfg.Embedding.Model = "hash-v1"
		}
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
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Embedding.OpenAI.APIKeyEnv == "" {
		cfg.Embedding.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Embedding.OpenAI.Timeout == 0 {
		cfg.Embedding.OpenAI.Timeout = 30 * time.Second
	}
	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = "flat"
	}
	if cfg.Chunking.MaxChars == 0 {
		cfg.Chunking.MaxChars = 1000
	}
	if cfg.Search.DefaultK == 0 {
		cfg.Search.DefaultK = 5
	}
	if cfg.Search.MaxK == 0 {
		cfg.Search.MaxK = 50
	}
	if cfg.Search.Overfetch == 0 {
		cfg.Search.Overfetch = 2
	}
	if cfg.Search.KeywordWeight == 0 {
		cfg.Search.KeywordWeight = 0.3
	}
	if cfg.Search.Fuzziness == 0 {
		cfg.Search.Fuzziness = 1
	}
	if cfg.Search.TitleBoost == 0 {
		cfg.Search.TitleBoost = 1
	}
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = 256
	}
	if cfg.Jobs.MaxAttempts == 0 {
		cfg.Jobs.MaxAttempts = 3
	}
	if cfg.Jobs.Backoff == 0 {
		cfg.Jobs.Backoff = 60 * time.Second
	}
	if cfg.Jobs.BackoffPolicy == "" {
		cfg.Jobs.BackoffPolicy = "linear"
	}
	if cfg.Maintenance.StaleAfter == 0 {
		cfg.Maintenance.StaleAfter = 24 * time.Hour
	}
	if cfg.Admission.MaxFileBytes == 0 {
		cfg.Admission.MaxFileBytes = 50 << 20
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".txt", ".md", ".pdf", ".docx", ".doc", ".odt", ".rtf", ".xlsx", ".ods", ".pptx", ".odp"}
	}
}
