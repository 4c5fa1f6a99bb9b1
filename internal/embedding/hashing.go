package embedding

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/hyperjump/intellidoc/pkg/utils"
)

// HashingModel is the model identifier reported by HashingEmbedder.
const HashingModel = "hash-v1"

// HashingEmbedder is a deterministic feature-hashing embedder. Each lower-cased term
// and adjacent term pair is hashed into a signed bucket; the result is L2-normalised,
// so inner product equals cosine similarity. It needs no model files and is the
// default for tests and small deployments.
type HashingEmbedder struct {
	dimensions int
	model      string
}

// NewHashingEmbedder returns a hashing embedder with the given dimension.
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashingEmbedder{dimensions: dimensions, model: fmt.Sprintf("%s-%d", HashingModel, dimensions)}
}

// Embed returns the hashed feature vector for text.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, e.dimensions)
	terms := Terms(text)
	for i, term := range terms {
		e.add(v, term, 1)
		if i > 0 {
			e.add(v, terms[i-1]+" "+term, 0.5)
		}
	}
	utils.NormalizeL2(v)
	return v, nil
}

func (e *HashingEmbedder) add(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}

// EmbedBatch embeds each text in order.
func (e *HashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, e.Embed)
}

// Dimensions returns the embedding dimension.
func (e *HashingEmbedder) Dimensions() int { return e.dimensions }

// Model returns the model identifier, which includes the dimension.
func (e *HashingEmbedder) Model() string { return e.model }

// Close is a no-op.
func (e *HashingEmbedder) Close() error { return nil }
