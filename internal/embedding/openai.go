package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/hyperjump/councildocs/internal/retry"
)

// DefaultBatchSize is the number of texts sent per embeddings request.
const DefaultBatchSize = 100

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	batchSize  int
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// OpenAIOption configures an OpenAIEmbedder.
type OpenAIOption func(*OpenAIEmbedder)

// WithBaseURL points the client at another OpenAI-compatible server.
func WithBaseURL(url string) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.httpClient = c }
}

// WithBatchSize caps the number of texts per request.
func WithBatchSize(n int) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.logger = l }
}

// NewOpenAIEmbedder returns an embedder for model producing vectors of the
// given dimensions.
func NewOpenAIEmbedder(apiKey, model string, dimensions int, opts ...OpenAIOption) *OpenAIEmbedder {
	e := &OpenAIEmbedder{model: model, dimensions: dimensions, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(e)
	}
	cfg := openai.DefaultConfig(apiKey)
	if e.baseURL != "" {
		cfg.BaseURL = e.baseURL
	}
	if e.httpClient != nil {
		cfg.HTTPClient = e.httpClient
	}
	e.client = openai.NewClientWithConfig(cfg)
	return e
}

// Embed embeds a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch sends texts in requests of at most batchSize. Client errors
// other than rate limiting are marked permanent so retry policies give up on
// them immediately.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.request(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OpenAIEmbedder) request(ctx context.Context, batch []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: batch,
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		req.Dimensions = e.dimensions
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, classify(fmt.Errorf("create embeddings: %w", err))
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d inputs", len(resp.Data), len(batch))
	}
	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		if e.dimensions > 0 && len(d.Embedding) != e.dimensions {
			return nil, retry.Permanent(fmt.Errorf("embedding of input %d has %d dimensions, want %d", d.Index, len(d.Embedding), e.dimensions))
		}
		out[i] = d.Embedding
	}
	if e.logger != nil {
		e.logger.Debug("Embedded batch",
			zap.String("model", e.model),
			zap.Int("inputs", len(batch)),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens))
	}
	return out, nil
}

// classify marks 4xx responses other than 429 as permanent.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// Model returns the model name.
func (e *OpenAIEmbedder) Model() string {
	return e.model
}

// Close is a no-op; the HTTP client holds no per-embedder resources.
func (e *OpenAIEmbedder) Close() error {
	return nil
}
