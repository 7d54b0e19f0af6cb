// Package llm is the client for the local text-generation backend. All
// prompt traffic in the engine goes through one Generator so concurrency,
// rate and failure policies apply in a single place.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/errors"
	"github.com/themeflow/themeflow/pkg/observability"
)

// Options tunes a single generation call. Zero fields are left out of the
// request so the backend's own defaults apply.
type Options struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
	Model() string
}

// OllamaGenerator calls an Ollama-compatible generation endpoint:
// POST {base}/api/generate with {"model","prompt","stream":false} returning
// {"response"}. The backend is a shared, easily saturated resource, so calls
// are gated by a semaphore sized to llm_concurrency, optionally rate
// limited, and guarded by a circuit breaker that fails fast once the
// backend looks dead.
type OllamaGenerator struct {
	baseURL       string
	model         string
	timeout       time.Duration
	maxRetries    uint64
	retryInterval time.Duration
	httpClient    *http.Client
	breaker       *gobreaker.CircuitBreaker
	sem           *semaphore.Weighted
	limiter       *rate.Limiter
	logger        observability.Logger
	metrics       observability.MetricsClient
}

// NewOllamaGenerator builds a generator from the generation and processing
// config.
func NewOllamaGenerator(ollama config.OllamaConfig, gen config.GenerationConfig, proc config.ProcessingConfig, logger observability.Logger, metrics observability.MetricsClient) *OllamaGenerator {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	logger = logger.WithPrefix("generation")

	concurrency := proc.LLMConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var limiter *rate.Limiter
	if gen.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(gen.RequestsPerSecond), 1)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generation",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &OllamaGenerator{
		baseURL:       ollama.BaseURL,
		model:         gen.Model,
		timeout:       gen.Timeout,
		maxRetries:    3,
		retryInterval: 500 * time.Millisecond,
		httpClient:    &http.Client{},
		breaker:       breaker,
		sem:           semaphore.NewWeighted(int64(concurrency)),
		limiter:       limiter,
		logger:        logger,
		metrics:       metrics,
	}
}

// Model returns the configured model name.
func (g *OllamaGenerator) Model() string { return g.model }

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate sends one prompt through the concurrency gate, rate limiter,
// circuit breaker and retry policy, in that order.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", errors.FromContext(ctx, err)
	}
	defer g.sem.Release(1)

	var result string
	operation := func() error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		out, err := g.breaker.Execute(func() (interface{}, error) {
			return g.generateOnce(ctx, prompt, opts)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out.(string)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.retryInterval
	bo.Multiplier = 2

	start := time.Now()
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, g.maxRetries), ctx))
	g.metrics.RecordOperation("generation", "generate", err == nil, time.Since(start).Seconds(), nil)
	if err != nil {
		if ctxErr := errors.FromContext(ctx, err); errors.IsCancelled(ctxErr) {
			return "", ctxErr
		}
		return "", errors.Wrap(err, errors.CodeGenerationFailed, "generate text")
	}
	return result, nil
}

func (g *OllamaGenerator) generateOnce(ctx context.Context, prompt string, opts Options) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	options := make(map[string]interface{})
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.TopP > 0 {
		options["top_p"] = opts.TopP
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) == 0 {
		options = nil
	}

	body, err := json.Marshal(generateRequest{
		Model:   g.model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("generation backend error (status %d): %s", resp.StatusCode, string(respBody))
		// Client errors will not improve on retry, except rate limiting.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", backoff.Permanent(err)
		}
		g.logger.Warn("generation request failed, will retry", map[string]interface{}{
			"status": resp.StatusCode,
		})
		return "", err
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
	}
	return parsed.Response, nil
}
