// Command themeflow runs the theme evolution engine: schema migration,
// batch processing, catalog statistics, and response search.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/xeipuuv/gojsonschema"

	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/embedding"
	"github.com/themeflow/themeflow/pkg/errors"
	"github.com/themeflow/themeflow/pkg/evolver"
	"github.com/themeflow/themeflow/pkg/extractor"
	"github.com/themeflow/themeflow/pkg/highlight"
	"github.com/themeflow/themeflow/pkg/llm"
	"github.com/themeflow/themeflow/pkg/models"
	"github.com/themeflow/themeflow/pkg/observability"
	"github.com/themeflow/themeflow/pkg/processor"
	"github.com/themeflow/themeflow/pkg/store"
)

var (
	configPath      = flag.String("config", "", "Path to the config file (default configs/config.yaml)")
	inputPath       = flag.String("input", "", "Path to the batch input JSON file (process command)")
	continueOnError = flag.Bool("continue-on-error", false, "Keep processing later batches after a failure")
	queryText       = flag.String("query", "", "Text to search for (search command)")
	searchLimit     = flag.Int("limit", 10, "Maximum search results")
	searchThreshold = flag.Float64("threshold", 0.5, "Similarity threshold for search results")
)

// batchSchema validates the input file before anything touches the catalog.
const batchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["batch_id", "question", "responses"],
    "properties": {
      "batch_id": {"type": "integer", "minimum": 1},
      "question": {"type": "string", "minLength": 1},
      "responses": {"type": "array", "items": {"type": "string"}}
    },
    "additionalProperties": false
  }
}`

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: themeflow [flags] <command>

Commands:
  migrate   apply schema migrations (requires database.dsn)
  process   run the batches in -input through the engine
  stats     print catalog statistics and the last batch's evolution
  search    embed -query and print similar responses

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.NewStandardLogger("themeflow")

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	switch command {
	case "migrate":
		err = runMigrate(st)
	case "process":
		err = runProcess(ctx, cfg, st, logger)
	case "stats":
		err = runStats(ctx, st)
	case "search":
		err = runSearch(ctx, cfg, st, logger)
	default:
		usage()
		err = fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		log.Fatalf("Failed to run %s: %v", command, err)
	}
}

// openStore selects Postgres when a DSN is configured and the in-memory
// store otherwise, so demo runs need no infrastructure.
func openStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (store.Store, error) {
	if cfg.Database.DSN == "" {
		logger.Info("database.dsn is empty, using the in-memory store", nil)
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(ctx, cfg.Database, logger)
}

func runMigrate(st store.Store) error {
	pg, ok := st.(*store.PostgresStore)
	if !ok {
		return errors.New(errors.CodeConfigurationInvalid, "migrate requires database.dsn to be set")
	}
	return pg.Migrate()
}

func runProcess(ctx context.Context, cfg *config.Config, st store.Store, logger observability.Logger) error {
	if *inputPath == "" {
		return errors.New(errors.CodeInputInvalid, "process requires -input")
	}
	batches, err := loadBatches(*inputPath)
	if err != nil {
		return err
	}

	metrics := observability.NewInMemoryMetricsClient()
	embedder, err := buildEmbedder(cfg, st, logger, metrics)
	if err != nil {
		return err
	}
	proc := buildProcessor(cfg, st, embedder, logger, metrics)

	results, procErr := proc.ProcessMany(ctx, batches, *continueOnError)
	for _, res := range results {
		fmt.Printf("Batch %d: %d responses, %d themes created, %d updated, %d retired (%.2fs)\n",
			res.BatchID, res.TotalResponses, res.ThemesCreated, res.ThemesUpdated,
			res.ThemesDeleted, res.ProcessingTime)
	}
	hits := metrics.Counter("embedding.cache.local_hits") + metrics.Counter("embedding.cache.backend_hits")
	misses := metrics.Counter("embedding.cache.misses")
	fmt.Printf("Processed %d of %d batches (embedding cache: %.0f hits, %.0f misses)\n",
		len(results), len(batches), hits, misses)
	return procErr
}

func runStats(ctx context.Context, st store.Store) error {
	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Active themes:     %d\n", stats.ActiveThemes)
	fmt.Printf("Merged themes:     %d\n", stats.MergedThemes)
	fmt.Printf("Split themes:      %d\n", stats.SplitThemes)
	fmt.Printf("Retired themes:    %d\n", stats.RetiredThemes)
	fmt.Printf("Responses:         %d\n", stats.TotalResponses)
	fmt.Printf("Assignments:       %d\n", stats.TotalAssignments)
	fmt.Printf("Cached embeddings: %d\n", stats.CacheEntries)
	fmt.Printf("Last batch:        %d\n", stats.LastBatchID)

	if stats.LastBatchID == 0 {
		return nil
	}
	entries, err := st.EvolutionForBatch(ctx, stats.LastBatchID)
	if err != nil || len(entries) == 0 {
		return err
	}
	fmt.Printf("\nEvolution in batch %d:\n", stats.LastBatchID)
	for _, e := range entries {
		line := fmt.Sprintf("  %-8s theme %d", e.Action, e.ThemeID)
		if e.RelatedThemeID != nil {
			line += fmt.Sprintf(" (related %d)", *e.RelatedThemeID)
		}
		if e.AffectedResponses > 0 {
			line += fmt.Sprintf(", %d responses", e.AffectedResponses)
		}
		fmt.Println(line)
	}
	return nil
}

func runSearch(ctx context.Context, cfg *config.Config, st store.Store, logger observability.Logger) error {
	if *queryText == "" {
		return errors.New(errors.CodeInputInvalid, "search requires -query")
	}
	embedder, err := buildEmbedder(cfg, st, logger, nil)
	if err != nil {
		return err
	}
	vec, err := embedder.EmbedText(ctx, *queryText)
	if err != nil {
		return err
	}
	matches, err := st.FindSimilarResponses(ctx, vec, *searchThreshold, *searchLimit)
	if err != nil {
		return err
	}

	fmt.Printf("Found %d similar responses:\n\n", len(matches))
	for i, m := range matches {
		preview := m.Response.Text
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		fmt.Printf("%d. [%.4f] batch %d: %s\n", i+1, m.Similarity, m.Response.BatchID, preview)
	}
	return nil
}

// loadBatches reads and validates the input file. Schema violations are
// reported together, before any batch is processed.
func loadBatches(path string) ([]*models.Batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInputInvalid, "read batch file")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(batchSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInputInvalid, "validate batch file")
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, errors.Newf(errors.CodeInputInvalid, "batch file %s: %s",
			path, strings.Join(problems, "; "))
	}

	var batches []*models.Batch
	if err := json.Unmarshal(raw, &batches); err != nil {
		return nil, errors.Wrap(err, errors.CodeInputInvalid, "decode batch file")
	}
	return batches, nil
}

func buildEmbedder(cfg *config.Config, st store.Store, logger observability.Logger, metrics observability.MetricsClient) (*embedding.Service, error) {
	backend := cacheBackend(cfg, st)
	cache, err := embedding.NewCache(cfg.Cache.LocalSize, backend, logger, metrics)
	if err != nil {
		return nil, err
	}
	provider := embedding.NewOllamaProvider(cfg.Ollama, cfg.Embedding, logger)
	return embedding.NewService(provider, cache, cfg, logger, metrics), nil
}

func cacheBackend(cfg *config.Config, st store.Store) embedding.Backend {
	if cfg.Cache.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		return embedding.NewRedisBackend(client, cfg.Cache.TTL)
	}
	return embedding.NewStoreBackend(st, cfg.Embedding.Model)
}

func buildProcessor(cfg *config.Config, st store.Store, embedder *embedding.Service, logger observability.Logger, metrics observability.MetricsClient) *processor.Processor {
	generator := llm.NewOllamaGenerator(cfg.Ollama, cfg.Generation, cfg.Processing, logger, metrics)
	ext := extractor.New(generator, cfg, logger, metrics)
	ev := evolver.New(embedder, ext, cfg, logger, metrics)
	hl := highlight.New(embedder, cfg, logger, metrics)
	return processor.New(st, embedder, ext, hl, ev, cfg, logger, metrics)
}
