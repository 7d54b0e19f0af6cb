package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/themeflow/themeflow/pkg/common"
	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/errors"
	"github.com/themeflow/themeflow/pkg/observability"
)

// Service is the engine's embedder: read-through cached, batch-capable, and
// bounded in its fan-out. Every vector it returns is L2-normalized, and the
// vector for empty or whitespace-only text is the zero vector, produced
// without any remote call.
type Service struct {
	provider    Provider
	cache       *Cache
	dim         int
	parallelism int
	grace       time.Duration
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewService wires the embedder from the provider, cache and config.
func NewService(provider Provider, cache *Cache, cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) *Service {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Service{
		provider:    provider,
		cache:       cache,
		dim:         cfg.Embedding.Dim,
		parallelism: cfg.Processing.EmbedParallelism,
		grace:       cfg.Processing.ShutdownTimeout,
		logger:      logger.WithPrefix("embedder"),
		metrics:     metrics,
	}
}

// Dim returns the configured embedding dimension.
func (s *Service) Dim() int { return s.dim }

// hashFor derives the cache key: 64-hex SHA-256 over the model-prefixed
// input bytes, so the same text under a different model never collides.
func (s *Service) hashFor(text string) string {
	sum := sha256.Sum256([]byte(s.provider.Model() + ":" + text))
	return hex.EncodeToString(sum[:])
}

// EmbedText embeds a single text through the cache.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, s.dim), nil
	}
	hash := s.hashFor(text)
	if vec, ok := s.cache.Get(ctx, hash); ok {
		return vec, nil
	}
	return s.embedRemote(ctx, text, hash)
}

// EmbedBatch embeds texts preserving order. Cache hits are served without
// network traffic; the distinct misses go through one bounded fan-out, so a
// text repeated within the batch is embedded at most once.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))

	type pending struct {
		text string
		idxs []int
	}
	misses := make(map[string]*pending)
	var order []string

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, s.dim)
			continue
		}
		hash := s.hashFor(text)
		if p, ok := misses[hash]; ok {
			p.idxs = append(p.idxs, i)
			continue
		}
		if vec, ok := s.cache.Get(ctx, hash); ok {
			results[i] = vec
			continue
		}
		misses[hash] = &pending{text: text, idxs: []int{i}}
		order = append(order, hash)
	}
	if len(order) == 0 {
		return results, nil
	}

	// In-flight remote calls get a drain window after cancellation; requests
	// not yet started are discarded immediately.
	graceCtx, stopGrace := graceContext(ctx, s.grace)
	defer stopGrace()

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(s.parallelism))
	for _, hash := range order {
		hash := hash
		p := misses[hash]
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			vec, err := s.embedRemote(graceCtx, p.text, hash)
			if err != nil {
				return err
			}
			results[p.idxs[0]] = vec
			for _, i := range p.idxs[1:] {
				results[i] = cloneVec(vec)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.FromContext(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(ctx, err)
	}
	return results, nil
}

// embedRemote calls the provider, validates and normalizes the vector, and
// writes it through to the cache.
func (s *Service) embedRemote(ctx context.Context, text, hash string) ([]float32, error) {
	start := time.Now()
	raw, err := s.provider.Embed(ctx, text)
	s.metrics.RecordOperation("embedding", "embed", err == nil, time.Since(start).Seconds(), nil)
	if err != nil {
		return nil, err
	}
	if s.dim > 0 && len(raw) != s.dim {
		return nil, errors.Newf(errors.CodeEmbeddingFailed,
			"backend returned %d dimensions, want %d", len(raw), s.dim)
	}
	vec := common.NormalizeVectorL2(raw)
	s.cache.Put(ctx, hash, vec)
	return vec, nil
}

// graceContext returns a context that survives parent's cancellation by
// grace, so in-flight remote calls can drain before being cut off.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}
