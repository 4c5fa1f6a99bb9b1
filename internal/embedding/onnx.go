//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/intellidoc/pkg/utils"
)

// ONNXEmbedder runs a sentence-embedding model with ONNX Runtime. It requires CGO
// and the onnxruntime shared library. Inference is serialised over one session.
type ONNXEmbedder struct {
	model      string
	session    *ort.AdvancedSession
	dimensions int
	maxTokens  int
	tokenizer  Tokenizer

	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
	mu            sync.Mutex
}

// NewONNXEmbedder loads the model at opts.ModelPath.
func NewONNXEmbedder(opts ONNXOptions) (*ONNXEmbedder, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	e := &ONNXEmbedder{
		model:      opts.Model,
		dimensions: opts.Dimensions,
		maxTokens:  opts.MaxTokens,
		tokenizer:  &SimpleTokenizer{},
	}
	shape := ort.NewShape(1, int64(opts.MaxTokens))
	var err error
	if e.inputIDs, err = ort.NewEmptyTensor[int64](shape); err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	if e.attentionMask, err = ort.NewEmptyTensor[int64](shape); err != nil {
		e.destroyTensors()
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	if e.tokenTypeIDs, err = ort.NewEmptyTensor[int64](shape); err != nil {
		e.destroyTensors()
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	if e.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(opts.Dimensions))); err != nil {
		e.destroyTensors()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	e.session, err = ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{opts.OutputName},
		[]ort.ArbitraryTensor{e.inputIDs, e.attentionMask, e.tokenTypeIDs},
		[]ort.ArbitraryTensor{e.output},
		nil,
	)
	if err != nil {
		e.destroyTensors()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return e, nil
}

// Embed runs one inference and returns the L2-normalised output.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, mask, types := e.tokenizer.Tokenize(text, e.maxTokens)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("%w: session closed", ErrBackendUnavailable)
	}
	copy(e.inputIDs.GetData(), ids)
	copy(e.attentionMask.GetData(), mask)
	copy(e.tokenTypeIDs.GetData(), types)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: inference failed: %v", ErrBackendUnavailable, err)
	}

	v := make([]float32, e.dimensions)
	copy(v, e.output.GetData())
	utils.NormalizeL2(v)
	return v, nil
}

// EmbedBatch embeds each text in order.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, e.Embed)
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int { return e.dimensions }

// Model returns the configured model identifier.
func (e *ONNXEmbedder) Model() string { return e.model }

// Close destroys the session and tensors.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	e.destroyTensors()
	return err
}

func (e *ONNXEmbedder) destroyTensors() {
	for _, t := range []*ort.Tensor[int64]{e.inputIDs, e.attentionMask, e.tokenTypeIDs} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	if e.output != nil {
		_ = e.output.Destroy()
	}
	e.inputIDs, e.attentionMask, e.tokenTypeIDs, e.output = nil, nil, nil, nil
}
