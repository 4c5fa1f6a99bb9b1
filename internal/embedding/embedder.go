// Package embedding maps text to fixed-dimension vectors.
package embedding

import (
	"context"
	"errors"
)

// ErrBackendUnavailable marks failures of a remote or native embedding backend
// that are expected to clear on retry.
var ErrBackendUnavailable = errors.New("embedding backend unavailable")

// Embedder produces vector embeddings for text. Implementations are deterministic
// for a fixed Model and input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// Model identifies the embedding model; stored on chunks and documents.
	Model() string
	Close() error
}

// embedEach implements EmbedBatch with a loop over embed.
func embedEach(ctx context.Context, texts []string, embed func(context.Context, string) ([]float32, error)) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
