// Package config loads and validates the engine configuration from a YAML
// file and THEMEFLOW_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/themeflow/themeflow/pkg/errors"
)

// OllamaConfig locates the local LLM server that provides both the
// generation and embedding endpoints.
type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// DatabaseConfig configures the Postgres connection. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EmbeddingConfig configures the embedding backend and vector space.
type EmbeddingConfig struct {
	Model   string        `mapstructure:"model"`
	Dim     int           `mapstructure:"dim"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GenerationConfig configures the LLM generation backend.
type GenerationConfig struct {
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// ThresholdsConfig holds the tuned vector-similarity policies.
type ThresholdsConfig struct {
	Match                float64 `mapstructure:"match"`
	Update               float64 `mapstructure:"update"`
	Merge                float64 `mapstructure:"merge"`
	SplitVariance        float64 `mapstructure:"split_variance"`
	DriftUpdate          float64 `mapstructure:"drift_update"`
	MinContribution      float64 `mapstructure:"min_contribution"`
	MinResponsesPerTheme int     `mapstructure:"min_responses_per_theme"`
}

// ProcessingConfig bounds batch sizes, fan-out, and deadlines.
type ProcessingConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	MaxKeywords      int           `mapstructure:"max_keywords"`
	EmbedParallelism int           `mapstructure:"embed_parallelism"`
	LLMConcurrency   int           `mapstructure:"llm_concurrency"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	PromptCharLimit  int           `mapstructure:"prompt_char_limit"`
	RefreshSampleMax int           `mapstructure:"refresh_sample_max"`
}

// NgramConfig controls keyword candidate enumeration.
type NgramConfig struct {
	Unigrams             bool `mapstructure:"unigrams"`
	Bigrams              bool `mapstructure:"bigrams"`
	Trigrams             bool `mapstructure:"trigrams"`
	MinWordLength        int  `mapstructure:"min_word_length"`
	MaxStopwordsInPhrase int  `mapstructure:"max_stopwords_in_phrase"`
}

// CacheConfig selects the durable embedding-cache backend and the size of
// the in-process LRU tier in front of it.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend"` // "store" or "redis"
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
	LocalSize int           `mapstructure:"local_size"`
}

// Config holds the complete engine configuration.
type Config struct {
	Ollama     OllamaConfig     `mapstructure:"ollama"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Generation GenerationConfig `mapstructure:"generation"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Ngrams     NgramConfig      `mapstructure:"ngrams"`
	Cache      CacheConfig      `mapstructure:"cache"`
}

// Load reads configuration from the given file (or $THEMEFLOW_CONFIG_FILE,
// or configs/config.yaml) plus THEMEFLOW_-prefixed environment variables.
// A missing config file is not an error; defaults and env vars apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configFile == "" {
		configFile = os.Getenv("THEMEFLOW_CONFIG_FILE")
	}
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("THEMEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; environment variables and defaults suffice.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns the configuration with every knob at its default value.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&config)
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ollama.base_url", "http://localhost:11434")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.dim", 768)
	v.SetDefault("embedding.timeout", 30*time.Second)

	v.SetDefault("generation.model", "llama3.1")
	v.SetDefault("generation.timeout", 120*time.Second)
	v.SetDefault("generation.requests_per_second", 0.0)

	v.SetDefault("thresholds.match", 0.75)
	v.SetDefault("thresholds.update", 0.50)
	v.SetDefault("thresholds.merge", 0.85)
	v.SetDefault("thresholds.split_variance", 0.40)
	v.SetDefault("thresholds.drift_update", 0.20)
	v.SetDefault("thresholds.min_contribution", 0.05)
	v.SetDefault("thresholds.min_responses_per_theme", 2)

	v.SetDefault("processing.batch_size", 100)
	v.SetDefault("processing.max_keywords", 10)
	v.SetDefault("processing.embed_parallelism", 8)
	v.SetDefault("processing.llm_concurrency", 1)
	v.SetDefault("processing.batch_timeout", 300*time.Second)
	v.SetDefault("processing.shutdown_timeout", 5*time.Second)
	v.SetDefault("processing.prompt_char_limit", 12000)
	v.SetDefault("processing.refresh_sample_max", 20)

	v.SetDefault("ngrams.unigrams", true)
	v.SetDefault("ngrams.bigrams", true)
	v.SetDefault("ngrams.trigrams", true)
	v.SetDefault("ngrams.min_word_length", 3)
	v.SetDefault("ngrams.max_stopwords_in_phrase", 1)

	v.SetDefault("cache.backend", "store")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.ttl", time.Duration(0))
	v.SetDefault("cache.local_size", 4096)
}

// Validate rejects configurations that would corrupt the catalog or wedge
// the pipeline. All violations surface as configuration_invalid.
func (c *Config) Validate() error {
	var problems []string

	if c.Embedding.Dim <= 0 {
		problems = append(problems, "embedding.dim must be positive")
	}
	if c.Embedding.Model == "" {
		problems = append(problems, "embedding.model must be set")
	}
	if c.Generation.Model == "" {
		problems = append(problems, "generation.model must be set")
	}

	unit := func(name string, val float64) {
		if val < 0 || val > 1 {
			problems = append(problems, fmt.Sprintf("thresholds.%s must be in [0,1]", name))
		}
	}
	unit("match", c.Thresholds.Match)
	unit("update", c.Thresholds.Update)
	unit("merge", c.Thresholds.Merge)
	unit("split_variance", c.Thresholds.SplitVariance)
	unit("drift_update", c.Thresholds.DriftUpdate)
	unit("min_contribution", c.Thresholds.MinContribution)

	if c.Thresholds.Update > c.Thresholds.Match {
		problems = append(problems, "thresholds.update must not exceed thresholds.match")
	}
	if c.Thresholds.Match > c.Thresholds.Merge {
		problems = append(problems, "thresholds.match must not exceed thresholds.merge")
	}
	if c.Thresholds.MinResponsesPerTheme < 1 {
		problems = append(problems, "thresholds.min_responses_per_theme must be at least 1")
	}

	if c.Processing.BatchSize <= 0 {
		problems = append(problems, "processing.batch_size must be positive")
	}
	if c.Processing.MaxKeywords <= 0 {
		problems = append(problems, "processing.max_keywords must be positive")
	}
	if c.Processing.EmbedParallelism <= 0 {
		problems = append(problems, "processing.embed_parallelism must be positive")
	}
	if c.Processing.LLMConcurrency <= 0 {
		problems = append(problems, "processing.llm_concurrency must be positive")
	}
	if c.Processing.BatchTimeout <= 0 {
		problems = append(problems, "processing.batch_timeout must be positive")
	}
	if c.Processing.PromptCharLimit <= 0 {
		problems = append(problems, "processing.prompt_char_limit must be positive")
	}

	if c.Ngrams.MinWordLength < 1 {
		problems = append(problems, "ngrams.min_word_length must be at least 1")
	}
	if c.Ngrams.MaxStopwordsInPhrase < 0 {
		problems = append(problems, "ngrams.max_stopwords_in_phrase must not be negative")
	}
	if !c.Ngrams.Unigrams && !c.Ngrams.Bigrams && !c.Ngrams.Trigrams {
		problems = append(problems, "ngrams: at least one n-gram size must be enabled")
	}

	switch c.Cache.Backend {
	case "store", "redis":
	default:
		problems = append(problems, fmt.Sprintf("cache.backend %q is not recognized", c.Cache.Backend))
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		problems = append(problems, "cache.redis_addr must be set when cache.backend is redis")
	}

	if len(problems) > 0 {
		return errors.New(errors.CodeConfigurationInvalid, strings.Join(problems, "; "))
	}
	return nil
}
