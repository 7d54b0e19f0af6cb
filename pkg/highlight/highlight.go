// Package highlight picks the phrases inside a response whose embeddings
// explain its similarity to a theme. A phrase's score is its marginal
// contribution: how much closer the phrase sits to the theme than the whole
// response does. Output is deterministic given fixed embeddings.
package highlight

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/themeflow/themeflow/pkg/common"
	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/models"
	"github.com/themeflow/themeflow/pkg/observability"
)

// Embedder is the slice of the embedding service the highlighter needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Highlighter scores candidate phrases against a theme.
type Highlighter struct {
	embedder        Embedder
	minContribution float64
	maxKeywords     int
	ngrams          config.NgramConfig
	logger          observability.Logger
	metrics         observability.MetricsClient
}

// New builds a highlighter over the shared embedder.
func New(embedder Embedder, cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) *Highlighter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Highlighter{
		embedder:        embedder,
		minContribution: cfg.Thresholds.MinContribution,
		maxKeywords:     cfg.Processing.MaxKeywords,
		ngrams:          cfg.Ngrams,
		logger:          logger.WithPrefix("highlighter"),
		metrics:         metrics,
	}
}

// Highlight returns up to max_keywords phrases with score ≥ min_contribution,
// sorted by score descending; ties go to the longer phrase, then the
// earliest occurrence. Positions are byte offsets of every occurrence of the
// phrase in the lowercased response text.
func (h *Highlighter) Highlight(ctx context.Context, responseText string, responseVec, themeVec []float32) ([]models.HighlightedKeyword, error) {
	if strings.TrimSpace(responseText) == "" {
		return nil, nil
	}

	start := time.Now()
	lowered := strings.ToLower(responseText)
	phrases := h.candidatePhrases(lowered)
	if len(phrases) == 0 {
		return nil, nil
	}

	vecs, err := h.embedder.EmbedBatch(ctx, phrases)
	if err != nil {
		h.metrics.RecordOperation("highlighter", "highlight", false, time.Since(start).Seconds(), nil)
		return nil, err
	}

	base := common.CosineSimilarity(themeVec, responseVec)
	keywords := make([]models.HighlightedKeyword, 0, len(phrases))
	for i, phrase := range phrases {
		score := common.CosineSimilarity(themeVec, vecs[i]) - base
		if score < h.minContribution {
			continue
		}
		keywords = append(keywords, models.HighlightedKeyword{
			Keyword:   phrase,
			Score:     score,
			Positions: phrasePositions(lowered, phrase),
		})
	}

	sortKeywords(keywords)
	if h.maxKeywords > 0 && len(keywords) > h.maxKeywords {
		keywords = keywords[:h.maxKeywords]
	}
	h.metrics.RecordOperation("highlighter", "highlight", true, time.Since(start).Seconds(), nil)
	return keywords, nil
}

// candidatePhrases enumerates unigrams, bigrams and trigrams over the
// lowercased text, deduplicated keeping first appearance.
func (h *Highlighter) candidatePhrases(lowered string) []string {
	words := tokenize(lowered)

	var phrases []string
	seen := make(map[string]bool)
	add := func(tokens []string) {
		if !h.admitPhrase(tokens) {
			return
		}
		p := strings.Join(tokens, " ")
		if seen[p] {
			return
		}
		seen[p] = true
		phrases = append(phrases, p)
	}

	if h.ngrams.Unigrams {
		for i := range words {
			add(words[i : i+1])
		}
	}
	if h.ngrams.Bigrams {
		for i := 0; i+1 < len(words); i++ {
			add(words[i : i+2])
		}
	}
	if h.ngrams.Trigrams {
		for i := 0; i+2 < len(words); i++ {
			add(words[i : i+3])
		}
	}
	return phrases
}

// admitPhrase enforces the candidate rules: at most max_stopwords_in_phrase
// stopwords, at least one non-stopword, and every non-stopword token at
// least min_word_length runes.
func (h *Highlighter) admitPhrase(tokens []string) bool {
	stops := 0
	for _, tok := range tokens {
		if stopwords[tok] {
			stops++
			continue
		}
		if utf8.RuneCountInString(tok) < h.ngrams.MinWordLength {
			return false
		}
	}
	return stops <= h.ngrams.MaxStopwordsInPhrase && stops < len(tokens)
}

// tokenize splits lowered text into letter/digit runs.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// phrasePositions lists the byte offset of every occurrence, overlapping
// ones included.
func phrasePositions(lowered, phrase string) []int {
	positions := make([]int, 0, 2)
	for from := 0; ; {
		i := strings.Index(lowered[from:], phrase)
		if i < 0 {
			break
		}
		positions = append(positions, from+i)
		from += i + 1
	}
	return positions
}

func sortKeywords(keywords []models.HighlightedKeyword) {
	sort.SliceStable(keywords, func(i, j int) bool {
		if keywords[i].Score != keywords[j].Score {
			return keywords[i].Score > keywords[j].Score
		}
		if len(keywords[i].Keyword) != len(keywords[j].Keyword) {
			return len(keywords[i].Keyword) > len(keywords[j].Keyword)
		}
		return firstPosition(keywords[i]) < firstPosition(keywords[j])
	})
}

func firstPosition(kw models.HighlightedKeyword) int {
	if len(kw.Positions) == 0 {
		return int(^uint(0) >> 1)
	}
	return kw.Positions[0]
}
