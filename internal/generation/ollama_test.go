package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kotoba/internal/stream"
)

func ndjson(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	for _, l := range lines {
		fmt.Fprintln(w, l)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func newGenerator(t *testing.T, handler http.HandlerFunc, opts ...Option) *OllamaGenerator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithRetryInterval(time.Millisecond)}, opts...)
	g := NewOllamaGenerator(srv.URL, "llama3", opts...)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestGenerate_StreamsTokens(t *testing.T) {
	var got generateRequest
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		ndjson(w,
			`{"response":"He","done":false}`,
			`{"response":"","done":false}`,
			`{"response":"llo","done":false}`,
			`{"response":"","done":true}`,
		)
	})

	var partials []string
	reply, err := stream.Collect(context.Background(), g, "Say hello", func(s string) { partials = append(partials, s) })
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply)
	assert.Equal(t, []string{"He", "Hello"}, partials)
	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, "Say hello", got.Prompt)
	assert.True(t, got.Stream)
	assert.InDelta(t, 0.7, got.Options["temperature"], 1e-9)
}

func TestGenerate_EventKinds(t *testing.T) {
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		ndjson(w, `{"response":"a"}`, `{"response":""}`, `{"response":"b","done":true}`)
	})
	events, err := g.Generate(context.Background(), "p")
	require.NoError(t, err)

	var kinds []stream.Kind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []stream.Kind{stream.Token, stream.Meta, stream.Token, stream.Done}, kinds)
}

func TestGenerate_BodyEndsWithoutDone(t *testing.T) {
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		ndjson(w, `{"response":"Par","done":false}`)
	})
	_, err := stream.Collect(context.Background(), g, "p", nil)

	var se *stream.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Par", se.Partial)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestGenerate_ErrorLine(t *testing.T) {
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		ndjson(w, `{"response":"x"}`, `{"error":"model not loaded"}`)
	})
	_, err := stream.Collect(context.Background(), g, "p", nil)
	var se *stream.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "x", se.Partial)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestGenerate_MalformedLine(t *testing.T) {
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		ndjson(w, `not json`)
	})
	_, err := stream.Collect(context.Background(), g, "p", nil)
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		ndjson(w, `{"response":"ok","done":true}`)
	})
	reply, err := stream.Collect(context.Background(), g, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGenerate_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model required", http.StatusBadRequest)
	})
	_, err := g.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerate_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}, WithMaxRetries(0), WithBreaker(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), "p")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnavailable))
	}
	_, err := g.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerate_BearerToken(t *testing.T) {
	var auth atomic.Value
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		ndjson(w, `{"done":true}`)
	})
	_, err := stream.Collect(context.Background(), g.WithToken("s3cret"), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", auth.Load())
	assert.Empty(t, g.token)
}

func TestGenerate_CancelMidStream(t *testing.T) {
	release := make(chan struct{})
	g := newGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		ndjson(w, `{"response":"partial"}`)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := stream.Collect(ctx, g, "p", func(string) { cancel() })

	var se *stream.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "partial", se.Partial)
	assert.ErrorIs(t, err, context.Canceled)
}
