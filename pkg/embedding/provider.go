// Package embedding turns text into unit-norm vectors through a remote
// model backend, with a content-addressed cache in front so identical text
// is never embedded twice.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/errors"
	"github.com/themeflow/themeflow/pkg/observability"
)

// Provider generates a raw embedding for one text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// OllamaProvider calls an Ollama-compatible embeddings endpoint:
// POST {base}/api/embeddings with {"model","prompt"} returning {"embedding"}.
type OllamaProvider struct {
	baseURL       string
	model         string
	timeout       time.Duration
	maxRetries    uint64
	retryInterval time.Duration
	httpClient    *http.Client
	logger        observability.Logger
}

// NewOllamaProvider builds a provider from the embedding config.
func NewOllamaProvider(ollama config.OllamaConfig, emb config.EmbeddingConfig, logger observability.Logger) *OllamaProvider {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &OllamaProvider{
		baseURL:       ollama.BaseURL,
		model:         emb.Model,
		timeout:       emb.Timeout,
		maxRetries:    3,
		retryInterval: 500 * time.Millisecond,
		httpClient:    &http.Client{},
		logger:        logger.WithPrefix("embedding"),
	}
}

// Model returns the configured model name.
func (p *OllamaProvider) Model() string { return p.model }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed calls the backend, retrying transient failures with exponential
// backoff before giving up with embedding_failed.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var result []float32

	operation := func() error {
		vec, err := p.embedOnce(ctx, text)
		if err != nil {
			return err
		}
		result = vec
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.retryInterval
	bo.Multiplier = 2

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, p.maxRetries), ctx))
	if err != nil {
		if ctxErr := errors.FromContext(ctx, err); errors.IsCancelled(ctxErr) {
			return nil, ctxErr
		}
		return nil, errors.Wrap(err, errors.CodeEmbeddingFailed, "embed text")
	}
	return result, nil
}

func (p *OllamaProvider) embedOnce(ctx context.Context, text string) ([]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("embedding backend error (status %d): %s", resp.StatusCode, string(respBody))
		// Client errors will not improve on retry, except rate limiting.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		p.logger.Warn("embedding request failed, will retry", map[string]interface{}{
			"status": resp.StatusCode,
		})
		return nil, err
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
	}
	if len(parsed.Embedding) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("no embedding in response"))
	}
	return parsed.Embedding, nil
}
