package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/themeflow/themeflow/pkg/observability"
	"github.com/themeflow/themeflow/pkg/store"
)

// Backend is the durable tier of the embedding cache, keyed by the 64-hex
// SHA-256 of the model-prefixed input text.
type Backend interface {
	Get(ctx context.Context, hash string) ([]float32, bool, error)
	Put(ctx context.Context, hash string, vec []float32) error
}

// StoreBackend keeps cache entries in the catalog store's embedding_cache
// table, so cached vectors survive restarts with no extra infrastructure.
type StoreBackend struct {
	store store.Store
	model string
}

// NewStoreBackend creates a store-backed cache tier.
func NewStoreBackend(st store.Store, model string) *StoreBackend {
	return &StoreBackend{store: st, model: model}
}

// Get implements Backend.Get.
func (b *StoreBackend) Get(ctx context.Context, hash string) ([]float32, bool, error) {
	return b.store.CacheGet(ctx, hash)
}

// Put implements Backend.Put.
func (b *StoreBackend) Put(ctx context.Context, hash string, vec []float32) error {
	return b.store.CachePut(ctx, hash, vec, b.model)
}

// RedisBackend keeps cache entries in Redis with a TTL. Vectors are stored
// as JSON; float32 components survive the round trip bit-exactly.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisBackend creates a Redis-backed cache tier.
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, ttl: ttl, prefix: "themeflow:emb:"}
}

// Get implements Backend.Get.
func (b *RedisBackend) Get(ctx context.Context, hash string) ([]float32, bool, error) {
	val, err := b.client.Get(ctx, b.prefix+hash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get error: %w", err)
	}
	var vec []float32
	if err := json.Unmarshal(val, &vec); err != nil {
		return nil, false, fmt.Errorf("invalid cached embedding: %w", err)
	}
	return vec, true, nil
}

// Put implements Backend.Put.
func (b *RedisBackend) Put(ctx context.Context, hash string, vec []float32) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if err := b.client.Set(ctx, b.prefix+hash, data, b.ttl).Err(); err != nil {
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

// Cache is a two-tier embedding cache: an in-process LRU in front of a
// durable backend. Backend trouble degrades to a miss rather than failing
// the embed call.
type Cache struct {
	local   *lru.Cache[string, []float32]
	backend Backend
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCache builds the two-tier cache. backend may be nil for a purely
// local cache.
func NewCache(localSize int, backend Backend, logger observability.Logger, metrics observability.MetricsClient) (*Cache, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	local, err := lru.New[string, []float32](localSize)
	if err != nil {
		return nil, err
	}
	return &Cache{
		local:   local,
		backend: backend,
		logger:  logger.WithPrefix("embedding-cache"),
		metrics: metrics,
	}, nil
}

// Get returns the cached vector for a hash, consulting the local tier first.
func (c *Cache) Get(ctx context.Context, hash string) ([]float32, bool) {
	if vec, ok := c.local.Get(hash); ok {
		c.metrics.RecordCounter("embedding.cache.local_hits", 1, nil)
		return cloneVec(vec), true
	}
	if c.backend == nil {
		c.metrics.RecordCounter("embedding.cache.misses", 1, nil)
		return nil, false
	}
	vec, ok, err := c.backend.Get(ctx, hash)
	if err != nil {
		c.logger.Warn("cache backend get failed", map[string]interface{}{
			"hash":  hash,
			"error": err.Error(),
		})
		c.metrics.RecordCounter("embedding.cache.errors", 1, nil)
		return nil, false
	}
	if !ok {
		c.metrics.RecordCounter("embedding.cache.misses", 1, nil)
		return nil, false
	}
	c.local.Add(hash, cloneVec(vec))
	c.metrics.RecordCounter("embedding.cache.backend_hits", 1, nil)
	return vec, true
}

// Put stores a vector in both tiers. Entries are immutable: the backend
// keeps the first write for a hash.
func (c *Cache) Put(ctx context.Context, hash string, vec []float32) {
	c.local.Add(hash, cloneVec(vec))
	if c.backend == nil {
		return
	}
	if err := c.backend.Put(ctx, hash, vec); err != nil {
		c.logger.Warn("cache backend put failed", map[string]interface{}{
			"hash":  hash,
			"error": err.Error(),
		})
		c.metrics.RecordCounter("embedding.cache.errors", 1, nil)
	}
}

func cloneVec(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
