package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/pkg/utils"
)

// OllamaEmbedder requests embeddings from an Ollama server via POST /api/embeddings.
type OllamaEmbedder struct {
	baseURL         string
	model           string
	dimensions      int
	maxRetries      int
	initialInterval time.Duration
	client          *http.Client
	logger          *zap.Logger
}

// OllamaOption configures an OllamaEmbedder.
type OllamaOption func(*OllamaEmbedder)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(e *OllamaEmbedder) { e.client = c }
}

// WithMaxRetries sets how many times a failed request is retried.
func WithMaxRetries(n int) OllamaOption {
	return func(e *OllamaEmbedder) { e.maxRetries = n }
}

// WithRetryInterval sets the first backoff interval.
func WithRetryInterval(d time.Duration) OllamaOption {
	return func(e *OllamaEmbedder) { e.initialInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) OllamaOption {
	return func(e *OllamaEmbedder) { e.logger = l }
}

// NewOllamaEmbedder returns an embedder for model served at baseURL. dimensions is the
// expected vector size; responses of any other size are rejected.
func NewOllamaEmbedder(baseURL, model string, dimensions int, opts ...OllamaOption) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	e := &OllamaEmbedder{
		baseURL:         strings.TrimRight(baseURL, "/"),
		model:           model,
		dimensions:      dimensions,
		maxRetries:      3,
		initialInterval: 200 * time.Millisecond,
		client:          &http.Client{Timeout: 60 * time.Second},
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the L2-normalised embedding for text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbeddingRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, &EmbeddingError{Provider: e.Provider(), Err: err}
	}

	var vec []float32
	attempt := 0
	operation := func() error {
		attempt++
		v, err := e.request(ctx, body)
		if err != nil {
			e.logger.Debug("embedding request failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		vec = v
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialInterval
	b.MaxInterval = 5 * time.Second
	var policy backoff.BackOff = b
	if e.maxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(e.maxRetries))
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, &EmbeddingError{Provider: e.Provider(), Err: err}
	}
	return vec, nil
}

func (e *OllamaEmbedder) request(ctx context.Context, body []byte) ([]float32, error) {
	endpoint := e.baseURL + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("ollama embedding error (HTTP %d): %s", resp.StatusCode, utils.Truncate(string(data), 200))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	var out ollamaEmbeddingResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformedOutput, err))
	}
	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	if err := checkVector(vec, e.dimensions); err != nil {
		return nil, backoff.Permanent(err)
	}
	utils.NormalizeL2(vec)
	return vec, nil
}

// EmbedBatch calls Embed for each text; the endpoint accepts one prompt per request.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, texts, e.Embed)
}

// Dimensions returns the expected embedding dimension.
func (e *OllamaEmbedder) Dimensions() int { return e.dimensions }

// Provider returns "ollama/<model>".
func (e *OllamaEmbedder) Provider() string { return "ollama/" + e.model }

// Close releases idle connections.
func (e *OllamaEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
