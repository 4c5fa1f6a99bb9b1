package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"github.com/hyperjump/intellidoc/pkg/utils"
)

// OpenAIOptions configures an OpenAI-compatible embeddings client.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	// MaxRetries is the SDK's own retry count; the job orchestrator retries on top of it.
	MaxRetries int
	// RateLimit caps requests per second; zero disables throttling.
	RateLimit  float64
	Burst      int
	HTTPClient *http.Client
}

// OpenAIEmbedder calls the /embeddings endpoint of an OpenAI-compatible server.
type OpenAIEmbedder struct {
	client     openaisdk.Client
	model      string
	dimensions int
	batchSize  int
	limiter    *rate.Limiter
}

// NewOpenAIEmbedder builds a client from opts.
func NewOpenAIEmbedder(opts OpenAIOptions) (*OpenAIEmbedder, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai embedder: API key is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai embedder: model is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	e := &OpenAIEmbedder{
		client:     openaisdk.NewClient(reqOpts...),
		model:      opts.Model,
		dimensions: opts.Dimensions,
		batchSize:  opts.BatchSize,
	}
	if opts.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.Burst, 1))
	}
	return e, nil
}

// Embed embeds a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// EmbedBatch embeds texts in requests of at most BatchSize inputs.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vs, err := e.request(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) request(ctx context.Context, batch []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	params := openaisdk.EmbeddingNewParams{
		Input:          openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: batch},
		Model:          openaisdk.EmbeddingModel(e.model),
		EncodingFormat: openaisdk.EmbeddingNewParamsEncodingFormatFloat,
	}
	if e.dimensions > 0 && strings.HasPrefix(e.model, "text-embedding-3") {
		params.Dimensions = openaisdk.Int(int64(e.dimensions))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrBackendUnavailable, len(resp.Data), len(batch))
	}
	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		v := make([]float32, len(d.Embedding))
		for j, x := range d.Embedding {
			v[j] = float32(x)
		}
		utils.NormalizeL2(v)
		out[i] = v
	}
	return out, nil
}

// classifyOpenAIError marks rate limits, server errors and network failures as
// backend unavailability. Other API errors are returned as-is.
func classifyOpenAIError(err error) error {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", ErrBackendUnavailable, apiErr.StatusCode)
		}
		return fmt.Errorf("embeddings request rejected: status %d", apiErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return fmt.Errorf("embeddings request: %w", err)
}

// Dimensions returns the configured dimension.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Model returns the model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Close is a no-op; the SDK client holds no resources.
func (e *OpenAIEmbedder) Close() error { return nil }
