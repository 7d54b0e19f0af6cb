// Package extractor proposes themes from survey responses through the
// generation backend: batch extraction, description refresh, and naming for
// split-off clusters. Prompts request strict JSON; one reformat retry
// absorbs the occasional malformed reply.
package extractor

import (
	"context"
	"time"

	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/errors"
	"github.com/themeflow/themeflow/pkg/llm"
	"github.com/themeflow/themeflow/pkg/models"
	"github.com/themeflow/themeflow/pkg/observability"
)

// Candidate is a proposed theme before it has an identity in the catalog.
type Candidate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var (
	extractOptions = llm.Options{Temperature: 0.3, TopP: 0.9, MaxTokens: 2000}
	refreshOptions = llm.Options{Temperature: 0.3, MaxTokens: 200}
	clusterOptions = llm.Options{Temperature: 0.3, MaxTokens: 300}
)

// Extractor turns batches of responses into theme candidates.
type Extractor struct {
	generator        llm.Generator
	promptCharLimit  int
	refreshSampleMax int
	logger           observability.Logger
	metrics          observability.MetricsClient
}

// New builds an extractor on top of the shared generator.
func New(generator llm.Generator, cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) *Extractor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Extractor{
		generator:        generator,
		promptCharLimit:  cfg.Processing.PromptCharLimit,
		refreshSampleMax: cfg.Processing.RefreshSampleMax,
		logger:           logger.WithPrefix("extractor"),
		metrics:          metrics,
	}
}

// Extract proposes candidate themes for a batch of responses. A reply that
// cannot be parsed after the reformat retry yields no candidates and a warn
// log rather than failing the batch; transport failures still propagate.
func (e *Extractor) Extract(ctx context.Context, question string, responses []string, batchID int64) ([]Candidate, error) {
	if len(responses) == 0 {
		return nil, nil
	}

	start := time.Now()
	prompt := buildExtractPrompt(question, packResponses(responses, e.promptCharLimit))

	raw, err := e.generator.Generate(ctx, prompt, extractOptions)
	if err != nil {
		return nil, err
	}
	candidates, parseErr := parseCandidates(raw)
	if parseErr != nil {
		e.logger.Warn("Theme extraction returned malformed JSON, retrying with stricter prompt", map[string]interface{}{
			"batch_id": batchID,
			"error":    parseErr.Error(),
		})
		raw, err = e.generator.Generate(ctx, prompt+strictArraySuffix, extractOptions)
		if err != nil {
			return nil, err
		}
		candidates, parseErr = parseCandidates(raw)
	}
	e.metrics.RecordOperation("extractor", "extract", parseErr == nil, time.Since(start).Seconds(), nil)

	if parseErr != nil {
		wrapped := errors.Wrap(parseErr, errors.CodeExtractorParseFailed, "parse theme extraction output")
		e.logger.Warn("Theme extraction produced no usable candidates", map[string]interface{}{
			"batch_id": batchID,
			"error":    wrapped.Error(),
		})
		e.metrics.RecordCounter("extractor.parse_failures", 1, nil)
		return nil, nil
	}

	e.logger.Info("Extracted theme candidates", map[string]interface{}{
		"batch_id":   batchID,
		"candidates": len(candidates),
	})
	return candidates, nil
}

// RefreshDescription rewrites a theme's description in light of new
// responses. Backend trouble keeps the existing description; only
// cancellation propagates, since the refresh is best-effort.
func (e *Extractor) RefreshDescription(ctx context.Context, theme *models.Theme, newResponses []string) (string, error) {
	if len(newResponses) == 0 {
		return theme.Description, nil
	}
	sample := newResponses
	if e.refreshSampleMax > 0 && len(sample) > e.refreshSampleMax {
		sample = sample[:e.refreshSampleMax]
	}

	prompt := buildRefreshPrompt(theme.Name, theme.Description, formatResponses(sample))
	raw, err := e.generator.Generate(ctx, prompt, refreshOptions)
	if err != nil {
		if errors.IsCancelled(err) {
			return "", err
		}
		e.logger.Warn("Description refresh failed, keeping existing description", map[string]interface{}{
			"theme_id": theme.ID,
			"error":    err.Error(),
		})
		return theme.Description, nil
	}

	desc := cleanDescription(raw)
	if desc == "" {
		return theme.Description, nil
	}
	return desc, nil
}

// NameCluster names one split-off cluster from its member responses. Unlike
// Extract, a reply that stays unparseable is an error: a child theme cannot
// exist without a name, so the caller abandons the split.
func (e *Extractor) NameCluster(ctx context.Context, question string, responses []string) (Candidate, error) {
	prompt := buildClusterPrompt(question, packResponses(responses, e.promptCharLimit))

	raw, err := e.generator.Generate(ctx, prompt, clusterOptions)
	if err != nil {
		return Candidate{}, err
	}
	c, parseErr := parseCandidate(raw)
	if parseErr == nil {
		return c, nil
	}

	raw, err = e.generator.Generate(ctx, prompt+strictObjectSuffix, clusterOptions)
	if err != nil {
		return Candidate{}, err
	}
	c, parseErr = parseCandidate(raw)
	if parseErr != nil {
		e.metrics.RecordCounter("extractor.parse_failures", 1, nil)
		return Candidate{}, errors.Wrap(parseErr, errors.CodeExtractorParseFailed, "parse cluster naming output")
	}
	return c, nil
}
