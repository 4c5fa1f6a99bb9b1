//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

// ONNXEmbedder stub type when built without CGO (see onnx.go for the real implementation).
type ONNXEmbedder struct{}

var errNoCGO = errors.New("ONNX embedder requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// NewONNXEmbedder returns an error when built without CGO.
func NewONNXEmbedder(_ ONNXOptions) (*ONNXEmbedder, error) {
	return nil, errNoCGO
}

func (e *ONNXEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, errNoCGO }
func (e *ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errNoCGO
}
func (e *ONNXEmbedder) Dimensions() int { return 0 }
func (e *ONNXEmbedder) Model() string   { return "" }
func (e *ONNXEmbedder) Close() error    { return nil }
