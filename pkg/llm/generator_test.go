package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/errors"
)

func newTestGenerator(t *testing.T, baseURL string, concurrency int) *OllamaGenerator {
	t.Helper()
	g := NewOllamaGenerator(
		config.OllamaConfig{BaseURL: baseURL},
		config.GenerationConfig{Model: "llama3.1", Timeout: 5 * time.Second},
		config.ProcessingConfig{LLMConcurrency: concurrency},
		nil, nil,
	)
	g.retryInterval = time.Millisecond
	return g
}

func TestGenerate(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(generateResponse{Response: `[{"name":"Pricing"}]`})
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 1)
	out, err := g.Generate(context.Background(), "list the themes", Options{Temperature: 0.3, TopP: 0.9, MaxTokens: 2000})
	require.NoError(t, err)
	assert.Equal(t, `[{"name":"Pricing"}]`, out)

	assert.Equal(t, "/api/generate", gotPath)
	assert.Equal(t, "llama3.1", gotBody["model"])
	assert.Equal(t, "list the themes", gotBody["prompt"])
	assert.Equal(t, false, gotBody["stream"])
	opts, ok := gotBody["options"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.3, opts["temperature"])
	assert.Equal(t, 0.9, opts["top_p"])
	assert.Equal(t, float64(2000), opts["num_predict"])
}

func TestGenerateOmitsZeroOptions(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "ok"})
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 1)
	_, err := g.Generate(context.Background(), "plain", Options{})
	require.NoError(t, err)
	_, present := gotBody["options"]
	assert.False(t, present)
}

func TestGenerateRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			http.Error(w, "model loading", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "recovered"})
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 1)
	out, err := g.Generate(context.Background(), "eventually fine", Options{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestGenerateBreakerFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "dead backend", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 1)

	// The breaker trips on the third consecutive failure, so the first call
	// stops retrying once it opens.
	_, err := g.Generate(context.Background(), "first", Options{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeGenerationFailed, errors.CodeOf(err))
	assert.Equal(t, int32(3), hits.Load())

	// Subsequent calls fail without touching the backend.
	_, err = g.Generate(context.Background(), "second", Options{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeGenerationFailed, errors.CodeOf(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestGenerateClientErrorIsPermanent(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "unknown model", http.StatusNotFound)
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 1)
	_, err := g.Generate(context.Background(), "bad model", Options{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeGenerationFailed, errors.CodeOf(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestGenerateSerializesCalls(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "done"})
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 1)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := g.Generate(context.Background(), "concurrent", Options{})
			done <- err
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), maxInFlight.Load(), "calls must not overlap at concurrency 1")
}

func TestGenerateCancelledContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "late"})
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Generate(ctx, "cancelled", Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	assert.Equal(t, int32(0), hits.Load())
}

func TestRateLimiterOnlyWhenConfigured(t *testing.T) {
	off := NewOllamaGenerator(config.OllamaConfig{}, config.GenerationConfig{}, config.ProcessingConfig{}, nil, nil)
	assert.Nil(t, off.limiter)

	on := NewOllamaGenerator(config.OllamaConfig{}, config.GenerationConfig{RequestsPerSecond: 5}, config.ProcessingConfig{}, nil, nil)
	assert.NotNil(t, on.limiter)
}
