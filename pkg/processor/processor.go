// Package processor drives one batch through the full pipeline: embed and
// persist the responses, extract candidate themes, match and evolve the
// catalog, attribute keywords, and record batch metadata. Response rows are
// committed first and survive a failed batch; every catalog mutation happens
// inside a single store transaction.
package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/errors"
	"github.com/themeflow/themeflow/pkg/evolver"
	"github.com/themeflow/themeflow/pkg/extractor"
	"github.com/themeflow/themeflow/pkg/highlight"
	"github.com/themeflow/themeflow/pkg/models"
	"github.com/themeflow/themeflow/pkg/observability"
	"github.com/themeflow/themeflow/pkg/store"
)

// Embedder is the slice of the embedding service the processor needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Extractor proposes candidate themes for a batch of responses.
type Extractor interface {
	Extract(ctx context.Context, question string, responses []string, batchID int64) ([]extractor.Candidate, error)
}

// Highlighter attributes keywords to one response-to-theme edge.
type Highlighter interface {
	Highlight(ctx context.Context, responseText string, responseVec, themeVec []float32) ([]models.HighlightedKeyword, error)
}

var _ Highlighter = (*highlight.Highlighter)(nil)

// Processor owns the batch pipeline.
type Processor struct {
	st          store.Store
	embed       Embedder
	extract     Extractor
	highlighter Highlighter
	evolve      *evolver.Evolver
	cfg         *config.Config
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// New wires a Processor from its collaborators. logger and metrics may be
// nil.
func New(st store.Store, embed Embedder, extract Extractor, highlighter Highlighter, evolve *evolver.Evolver, cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) *Processor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Processor{
		st:          st,
		embed:       embed,
		extract:     extract,
		highlighter: highlighter,
		evolve:      evolve,
		cfg:         cfg,
		logger:      logger.WithPrefix("processor"),
		metrics:     metrics,
	}
}

// ProcessBatch runs one batch to completion. On any error the catalog is
// unchanged except for the immutable response rows; partial success is never
// exposed.
func (p *Processor) ProcessBatch(ctx context.Context, batch *models.Batch) (*models.BatchResult, error) {
	start := time.Now()
	if err := p.validate(ctx, batch); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := p.logger.With(map[string]interface{}{
		"batch_id": batch.ID,
		"run_id":   runID,
	})
	logger.Info("processing batch", map[string]interface{}{
		"question":  batch.Question,
		"responses": len(batch.Responses),
	})

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Processing.BatchTimeout)
	defer cancel()

	result, err := p.run(ctx, logger, batch, runID, start)
	p.metrics.RecordOperation("processor", "process_batch", err == nil, time.Since(start).Seconds(), nil)
	if err != nil {
		err = errors.FromContext(ctx, err)
		logger.Error("batch processing failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	logger.Info("batch processed", map[string]interface{}{
		"seconds":        result.ProcessingTime,
		"themes_created": result.ThemesCreated,
		"themes_updated": result.ThemesUpdated,
		"themes_deleted": result.ThemesDeleted,
	})
	return result, nil
}

// ProcessMany runs batches strictly in input order. Without continueOnError
// the first failure aborts the remainder; with it, failures are collected
// per batch and the catalog reflects every batch that succeeded. Results
// cover the successful batches only.
func (p *Processor) ProcessMany(ctx context.Context, batches []*models.Batch, continueOnError bool) ([]*models.BatchResult, error) {
	results := make([]*models.BatchResult, 0, len(batches))
	var failures []error
	for _, batch := range batches {
		result, err := p.ProcessBatch(ctx, batch)
		if err != nil {
			failures = append(failures, fmt.Errorf("batch %d: %w", batch.ID, err))
			// A dead context would fail every remaining batch the same way.
			if !continueOnError || errors.IsCancelled(err) {
				break
			}
			continue
		}
		results = append(results, result)
	}
	return results, stderrors.Join(failures...)
}

// SplitIntoBatches chunks a long response list into consecutive batches of
// at most batchSize, with ids incrementing from startID.
func SplitIntoBatches(question string, responses []string, batchSize int, startID int64) []*models.Batch {
	if batchSize <= 0 || len(responses) == 0 {
		return nil
	}
	batches := make([]*models.Batch, 0, (len(responses)+batchSize-1)/batchSize)
	for from := 0; from < len(responses); from += batchSize {
		to := min(from+batchSize, len(responses))
		batches = append(batches, &models.Batch{
			ID:        startID + int64(len(batches)),
			Question:  question,
			Responses: responses[from:to],
		})
	}
	return batches
}

func (p *Processor) validate(ctx context.Context, batch *models.Batch) error {
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if batch == nil {
		return errors.New(errors.CodeInputInvalid, "batch is nil").WithOp("processor.validate")
	}
	if strings.TrimSpace(batch.Question) == "" {
		return errors.Newf(errors.CodeInputInvalid, "batch %d has an empty question", batch.ID).
			WithOp("processor.validate")
	}
	if len(batch.Responses) > p.cfg.Processing.BatchSize {
		return errors.Newf(errors.CodeInputInvalid, "batch %d has %d responses, limit is %d",
			batch.ID, len(batch.Responses), p.cfg.Processing.BatchSize).WithOp("processor.validate")
	}
	last, err := p.st.LastBatchID(ctx)
	if err != nil {
		return err
	}
	if batch.ID <= last {
		return errors.Newf(errors.CodeIntegrityConflict, "batch %d is not after last processed batch %d",
			batch.ID, last).WithOp("processor.validate")
	}
	return nil
}

func (p *Processor) run(ctx context.Context, logger observability.Logger, batch *models.Batch, runID string, start time.Time) (*models.BatchResult, error) {
	// Responses are immutable and committed before the transaction opens, so
	// a failed batch can be retried without re-embedding its inputs.
	responses, err := p.ingestResponses(ctx, batch)
	if err != nil {
		return nil, err
	}

	var result *models.BatchResult
	err = p.st.Transact(ctx, func(tx store.Store) error {
		pass := p.evolve.Begin(tx, batch.ID, batch.Question, runID)

		candidates, err := p.extractCandidates(ctx, batch)
		if err != nil {
			return err
		}

		first, err := pass.MatchToExisting(ctx, responses)
		if err != nil {
			return err
		}
		dedupe, err := pass.DedupeCandidates(ctx, candidates)
		if err != nil {
			return err
		}
		second, err := pass.MatchAgainst(ctx, responses, dedupe.Themes())
		if err != nil {
			return err
		}
		edges := append(first.Edges, second.Edges...)
		logger.Debug("assignment edges computed", map[string]interface{}{
			"first_pass":  len(first.Edges),
			"second_pass": len(second.Edges),
			"near":        first.Near + second.Near,
		})

		keywords, err := p.highlightEdges(ctx, responses, edges)
		if err != nil {
			return err
		}
		if err := p.persistAssignments(ctx, tx, batch.ID, edges, keywords); err != nil {
			return err
		}

		if _, err := pass.DetectMerges(ctx); err != nil {
			return err
		}
		if _, err := pass.DetectSplits(ctx); err != nil {
			return err
		}
		if _, err := pass.RetireEmpty(ctx); err != nil {
			return err
		}
		if _, err := pass.RefreshDescriptions(ctx); err != nil {
			return err
		}

		result, err = p.finalize(ctx, tx, batch, len(responses), start)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Processor) ingestResponses(ctx context.Context, batch *models.Batch) ([]*models.Response, error) {
	vecs, err := p.embed.EmbedBatch(ctx, batch.Responses)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEmbeddingFailed, "embed batch responses").
			WithOp("processor.ingest")
	}
	responses := make([]*models.Response, len(batch.Responses))
	for i, text := range batch.Responses {
		responses[i] = &models.Response{
			BatchID:   batch.ID,
			Question:  batch.Question,
			Text:      text,
			Embedding: vecs[i],
		}
	}
	if err := p.st.PutResponses(ctx, responses); err != nil {
		return nil, errors.Wrap(err, errors.CodeStoreUnavailable, "persist batch responses").
			WithOp("processor.ingest")
	}
	return responses, nil
}

// extractCandidates proposes and embeds this batch's candidate themes. A
// batch of blank responses skips the generation call entirely.
func (p *Processor) extractCandidates(ctx context.Context, batch *models.Batch) ([]evolver.Candidate, error) {
	if !hasContent(batch.Responses) {
		return nil, nil
	}
	extracted, err := p.extract.Extract(ctx, batch.Question, batch.Responses, batch.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeGenerationFailed, "extract theme candidates").
			WithOp("processor.extract")
	}
	if len(extracted) == 0 {
		return nil, nil
	}

	texts := make([]string, len(extracted))
	for i, c := range extracted {
		texts[i] = evolver.ThemeText(c.Name, c.Description)
	}
	vecs, err := p.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEmbeddingFailed, "embed theme candidates").
			WithOp("processor.extract")
	}

	candidates := make([]evolver.Candidate, len(extracted))
	for i, c := range extracted {
		candidates[i] = evolver.Candidate{
			Name:        c.Name,
			Description: c.Description,
			Embedding:   vecs[i],
		}
	}
	return candidates, nil
}

// highlightEdges attributes keywords to every assignment edge. The fan-out
// shares the embedding parallelism budget since phrase scoring is
// embed-bound.
func (p *Processor) highlightEdges(ctx context.Context, responses []*models.Response, edges []evolver.Edge) ([][]models.HighlightedKeyword, error) {
	keywords := make([][]models.HighlightedKeyword, len(edges))
	if len(edges) == 0 {
		return keywords, nil
	}
	byID := make(map[int64]*models.Response, len(responses))
	for _, r := range responses {
		byID[r.ID] = r
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(p.cfg.Processing.EmbedParallelism))
	for i, edge := range edges {
		i, edge := i, edge
		r, ok := byID[edge.ResponseID]
		if !ok {
			return nil, errors.Newf(errors.CodeIntegrityConflict, "edge references unknown response %d", edge.ResponseID).
				WithOp("processor.highlight")
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			kws, err := p.highlighter.Highlight(gctx, r.Text, r.Embedding, edge.Theme.Embedding)
			if err != nil {
				return err
			}
			keywords[i] = kws
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.FromContext(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(ctx, err)
	}
	return keywords, nil
}

func (p *Processor) persistAssignments(ctx context.Context, tx store.Store, batchID int64, edges []evolver.Edge, keywords [][]models.HighlightedKeyword) error {
	for i, edge := range edges {
		a := &models.Assignment{
			ResponseID:       edge.ResponseID,
			ThemeID:          edge.Theme.ID,
			Confidence:       edge.Similarity,
			Keywords:         keywords[i],
			AssignedAtBatch:  batchID,
			LastUpdatedBatch: batchID,
		}
		if err := tx.PutAssignment(ctx, a); err != nil {
			return errors.Wrap(err, errors.CodeStoreUnavailable, "persist assignment").
				WithOp("processor.assign")
		}
	}
	return nil
}

// finalize writes the batch bookkeeping row and assembles the result from
// this batch's evolution entries.
func (p *Processor) finalize(ctx context.Context, tx store.Store, batch *models.Batch, total int, start time.Time) (*models.BatchResult, error) {
	entries, err := tx.EvolutionForBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	var created, updated, deleted int
	evolution := make([]models.EvolutionEntry, 0, len(entries))
	for _, e := range entries {
		switch e.Action {
		case models.ActionCreated:
			created++
		case models.ActionUpdated, models.ActionMerged, models.ActionSplit:
			updated++
		case models.ActionRetired:
			deleted++
		}
		evolution = append(evolution, *e)
	}

	elapsed := time.Since(start).Seconds()
	meta := &models.BatchMetadata{
		BatchID:        batch.ID,
		Question:       batch.Question,
		TotalResponses: total,
		NewThemes:      created,
		UpdatedThemes:  updated,
		RetiredThemes:  deleted,
		ProcessingTime: elapsed,
		ProcessedAt:    time.Now().UTC(),
	}
	if err := tx.PutBatchMetadata(ctx, meta); err != nil {
		return nil, err
	}

	return &models.BatchResult{
		BatchID:        batch.ID,
		Question:       batch.Question,
		ProcessingTime: elapsed,
		TotalResponses: total,
		ThemesCreated:  created,
		ThemesUpdated:  updated,
		ThemesDeleted:  deleted,
		Evolution:      evolution,
	}, nil
}

func hasContent(texts []string) bool {
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			return true
		}
	}
	return false
}
