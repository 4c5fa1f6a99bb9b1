package embedding

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/config"
)

// ONNXOptions configures NewONNXEmbedder.
type ONNXOptions struct {
	ModelPath  string
	Model      string
	Dimensions int
	MaxTokens  int
	OutputName string
}

// New builds the embedder selected by cfg.Provider, wrapped in a cache when
// cfg.CacheSize is positive.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		e   Embedder
		err error
	)
	switch cfg.Provider {
	case "", "hash":
		e = NewHashingEmbedder(cfg.Dimensions)
	case "onnx":
		e, err = NewONNXEmbedder(ONNXOptions{
			ModelPath:  cfg.ModelPath,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			MaxTokens:  cfg.MaxTokens,
			OutputName: "output",
		})
	case "openai":
		e, err = NewOpenAIEmbedder(OpenAIOptions{
			APIKey:     cfg.OpenAI.APIKey(),
			BaseURL:    cfg.OpenAI.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.OpenAI.Timeout,
			MaxRetries: 1,
			RateLimit:  cfg.OpenAI.RequestsPerSecond,
			Burst:      cfg.OpenAI.Burst,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s embedder: %w", cfg.Provider, err)
	}
	logger.Info("embedder ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", e.Model()),
		zap.Int("dimensions", e.Dimensions()))
	if cfg.CacheSize > 0 {
		return NewCachedEmbedder(e, cfg.CacheSize), nil
	}
	return e, nil
}
