// Package generation streams replies from a text-generation backend.
package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/stream"
	"github.com/hyperjump/kotoba/pkg/utils"
)

var (
	// ErrIncomplete means the response body ended before a done line.
	ErrIncomplete = errors.New("generation stream ended before done")
	// ErrMalformedLine means a stream line was not valid JSON.
	ErrMalformedLine = errors.New("malformed generation line")
	// ErrUnavailable means the circuit breaker is refusing requests.
	ErrUnavailable = errors.New("generation backend unavailable")
)

const maxLineSize = 1 << 20

// OllamaGenerator streams completions from an Ollama server via POST /api/generate.
type OllamaGenerator struct {
	baseURL          string
	model            string
	temperature      float64
	token            string
	maxRetries       int
	initialInterval  time.Duration
	failureThreshold uint32
	openTimeout      time.Duration
	client           *http.Client
	breaker          *gobreaker.CircuitBreaker
	logger           *zap.Logger
}

// Option configures an OllamaGenerator.
type Option func(*OllamaGenerator)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(g *OllamaGenerator) { g.client = c }
}

// WithConnectTimeout bounds dialing the server. Streaming itself has no deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(g *OllamaGenerator) {
		if d <= 0 {
			return
		}
		g.client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: d}).DialContext,
			ResponseHeaderTimeout: 5 * time.Minute,
		}}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(g *OllamaGenerator) { g.temperature = t }
}

// WithMaxRetries sets how many times connection setup is retried.
func WithMaxRetries(n int) Option {
	return func(g *OllamaGenerator) { g.maxRetries = n }
}

// WithRetryInterval sets the first backoff interval.
func WithRetryInterval(d time.Duration) Option {
	return func(g *OllamaGenerator) { g.initialInterval = d }
}

// WithBreaker sets how many consecutive failed connections open the circuit
// and how long it stays open.
func WithBreaker(failures uint32, openFor time.Duration) Option {
	return func(g *OllamaGenerator) {
		g.failureThreshold = failures
		g.openTimeout = openFor
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *OllamaGenerator) { g.logger = l }
}

// NewOllamaGenerator returns a generator for model served at baseURL.
func NewOllamaGenerator(baseURL, model string, opts ...Option) *OllamaGenerator {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3"
	}
	g := &OllamaGenerator{
		baseURL:          strings.TrimRight(baseURL, "/"),
		model:            model,
		temperature:      0.7,
		maxRetries:       3,
		initialInterval:  250 * time.Millisecond,
		failureThreshold: 5,
		openTimeout:      30 * time.Second,
		client:           &http.Client{},
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ollama-generate",
		Timeout: g.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.failureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	return g
}

// WithToken returns a generator that sends token as a bearer credential.
// The copy shares the HTTP client and circuit breaker with g.
func (g *OllamaGenerator) WithToken(token string) *OllamaGenerator {
	cp := *g
	cp.token = token
	return &cp
}

// ForToken is WithToken for callers that only need a stream.Generator.
func (g *OllamaGenerator) ForToken(token string) stream.Generator {
	return g.WithToken(token)
}

// Model returns the model name.
func (g *OllamaGenerator) Model() string { return g.model }

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Generate starts a streaming completion. Connection failures are returned directly;
// once the stream is open every failure arrives as an error event.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (<-chan stream.Event, error) {
	body, err := json.Marshal(generateRequest{
		Model:   g.model,
		Prompt:  prompt,
		Stream:  true,
		Options: map[string]any{"temperature": g.temperature},
	})
	if err != nil {
		return nil, err
	}

	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.connect(ctx, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	resp := res.(*http.Response)

	out := make(chan stream.Event)
	go g.read(ctx, resp.Body, out)
	return out, nil
}

func (g *OllamaGenerator) connect(ctx context.Context, body []byte) (*http.Response, error) {
	var resp *http.Response
	attempt := 0
	operation := func() error {
		attempt++
		r, err := g.open(ctx, body)
		if err != nil {
			g.logger.Debug("generate request failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		resp = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.initialInterval
	b.MaxInterval = 5 * time.Second
	var policy backoff.BackOff = b
	if g.maxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(g.maxRetries))
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *OllamaGenerator) open(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	statusErr := fmt.Errorf("ollama generate error (HTTP %d): %s", resp.StatusCode, utils.Truncate(string(data), 200))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, statusErr
	}
	return nil, backoff.Permanent(statusErr)
}

// read turns NDJSON lines into events and closes out when the stream ends.
func (g *OllamaGenerator) read(ctx context.Context, body io.ReadCloser, out chan<- stream.Event) {
	defer close(out)
	defer body.Close()

	send := func(ev stream.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg generateLine
		if err := json.Unmarshal(line, &msg); err != nil {
			send(stream.Event{Kind: stream.Error, Err: fmt.Errorf("%w: %v", ErrMalformedLine, err)})
			return
		}
		switch {
		case msg.Error != "":
			send(stream.Event{Kind: stream.Error, Err: fmt.Errorf("ollama: %s", msg.Error)})
			return
		case msg.Response != "":
			if !send(stream.Event{Kind: stream.Token, Text: msg.Response}) {
				return
			}
		case !msg.Done:
			if !send(stream.Event{Kind: stream.Meta}) {
				return
			}
		}
		if msg.Done {
			send(stream.Event{Kind: stream.Done})
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		send(stream.Event{Kind: stream.Error, Err: err})
		return
	}
	send(stream.Event{Kind: stream.Error, Err: ErrIncomplete})
}

// Close releases idle connections.
func (g *OllamaGenerator) Close() error {
	g.client.CloseIdleConnections()
	return nil
}
