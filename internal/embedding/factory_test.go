package embedding

import (
	"testing"

	"github.com/hyperjump/intellidoc/internal/config"
)

func TestNew(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Provider: "hash", Dimensions: 32, CacheSize: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*CachedEmbedder); !ok {
		t.Errorf("expected cached embedder, got %T", e)
	}
	if e.Dimensions() != 32 {
		t.Errorf("Dimensions = %d", e.Dimensions())
	}

	e, err = New(config.EmbeddingConfig{Provider: "hash", Dimensions: 8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*HashingEmbedder); !ok {
		t.Errorf("expected bare hashing embedder, got %T", e)
	}

	if _, err := New(config.EmbeddingConfig{Provider: "bert"}, nil); err == nil {
		t.Error("expected error for unknown provider")
	}
	t.Setenv("INTELLIDOC_MISSING_KEY", "")
	if _, err := New(config.EmbeddingConfig{Provider: "openai", Model: "m", OpenAI: config.OpenAIConfig{APIKeyEnv: "INTELLIDOC_MISSING_KEY"}}, nil); err == nil {
		t.Error("expected error for openai without key")
	}
}
