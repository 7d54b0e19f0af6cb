package highlight

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/errors"
)

// fakeEmbedder returns preset vectors per text, a default for everything
// else.
type fakeEmbedder struct {
	vectors map[string][]float32
	def     []float32
	err     error
	calls   int
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = f.def
		}
	}
	return out, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Thresholds.MinContribution = 0.05
	cfg.Processing.MaxKeywords = 10
	cfg.Ngrams = config.NgramConfig{
		Unigrams:             true,
		Bigrams:              true,
		Trigrams:             true,
		MinWordLength:        3,
		MaxStopwordsInPhrase: 1,
	}
	return cfg
}

// unitAt builds a unit vector whose cosine against [1,0,0] is cos.
func unitAt(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos)), 0}
}

func TestHighlightScoresAndSorts(t *testing.T) {
	themeVec := []float32{1, 0, 0}
	responseVec := unitAt(0.5)
	emb := &fakeEmbedder{
		vectors: map[string][]float32{
			"sync":        unitAt(1.0), // marginal 0.5
			"broken sync": unitAt(0.8), // marginal 0.3
		},
		def: []float32{0, 1, 0}, // marginal -0.5, dropped
	}
	h := New(emb, testConfig(), nil, nil)

	got, err := h.Highlight(context.Background(), "Sync is broken. Sync loses my files.", responseVec, themeVec)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "sync", got[0].Keyword)
	assert.InDelta(t, 0.5, got[0].Score, 1e-6)
	assert.Equal(t, []int{0, 16}, got[0].Positions)

	assert.Equal(t, "broken sync", got[1].Keyword)
	assert.InDelta(t, 0.3, got[1].Score, 1e-6)
	assert.Empty(t, got[1].Positions, "the joined bigram does not occur literally")
}

func TestHighlightTieBreaks(t *testing.T) {
	themeVec := []float32{1, 0, 0}
	responseVec := unitAt(0.4)
	tied := unitAt(0.8)
	emb := &fakeEmbedder{
		vectors: map[string][]float32{
			"alpha":      tied,
			"gamma":      tied,
			"alpha beta": tied,
		},
		def: []float32{0, 1, 0},
	}
	h := New(emb, testConfig(), nil, nil)

	got, err := h.Highlight(context.Background(), "alpha beta gamma alpha", responseVec, themeVec)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Equal scores: longer phrase first, then earliest occurrence.
	assert.Equal(t, "alpha beta", got[0].Keyword)
	assert.Equal(t, "alpha", got[1].Keyword)
	assert.Equal(t, "gamma", got[2].Keyword)
	assert.Equal(t, []int{0, 17}, got[1].Positions)
	assert.Equal(t, []int{11}, got[2].Positions)
}

func TestHighlightThresholdAndCap(t *testing.T) {
	themeVec := []float32{1, 0, 0}
	responseVec := unitAt(0.2)

	words := make([]string, 12)
	vectors := make(map[string][]float32, 12)
	for i := range words {
		words[i] = fmt.Sprintf("topic%02d", i+1)
		vectors[words[i]] = unitAt(0.9 - 0.02*float64(i))
	}
	emb := &fakeEmbedder{vectors: vectors, def: []float32{0, 1, 0}}

	cfg := testConfig()
	cfg.Ngrams.Bigrams = false
	cfg.Ngrams.Trigrams = false
	h := New(emb, cfg, nil, nil)

	got, err := h.Highlight(context.Background(), strings.Join(words, " "), responseVec, themeVec)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, "topic01", got[0].Keyword)
	assert.Equal(t, "topic10", got[9].Keyword)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestHighlightDropsBelowThreshold(t *testing.T) {
	themeVec := []float32{1, 0, 0}
	responseVec := unitAt(0.5)
	emb := &fakeEmbedder{
		vectors: map[string][]float32{
			"barely": unitAt(0.54), // marginal 0.04, below 0.05
		},
		def: []float32{0, 1, 0},
	}
	cfg := testConfig()
	cfg.Ngrams.Bigrams = false
	cfg.Ngrams.Trigrams = false
	h := New(emb, cfg, nil, nil)

	got, err := h.Highlight(context.Background(), "barely related", responseVec, themeVec)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHighlightEmptyText(t *testing.T) {
	emb := &fakeEmbedder{def: []float32{1, 0, 0}}
	h := New(emb, testConfig(), nil, nil)

	for _, text := range []string{"", "   ", "\t"} {
		got, err := h.Highlight(context.Background(), text, []float32{1, 0, 0}, []float32{1, 0, 0})
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.Equal(t, 0, emb.calls)
}

func TestHighlightPropagatesEmbedderError(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New(errors.CodeEmbeddingFailed, "backend down")}
	h := New(emb, testConfig(), nil, nil)

	_, err := h.Highlight(context.Background(), "some text here", []float32{1, 0, 0}, []float32{1, 0, 0})
	require.Error(t, err)
	assert.Equal(t, errors.CodeEmbeddingFailed, errors.CodeOf(err))
}

func TestCandidatePhrases(t *testing.T) {
	h := New(nil, testConfig(), nil, nil)

	got := h.candidatePhrases("the price is too high for students")
	want := []string{
		"price", "too", "high", "students",
		"the price", "price is", "is too", "too high", "high for", "for students",
		"price is too", "is too high", "too high for", "high for students",
	}
	assert.Equal(t, want, got)
}

func TestCandidatePhrasesShortTokens(t *testing.T) {
	h := New(nil, testConfig(), nil, nil)

	// "ui" is not a stopword but misses the length floor, which also
	// disqualifies every phrase containing it.
	got := h.candidatePhrases("app ui bad")
	assert.Equal(t, []string{"app", "bad"}, got)
}

func TestCandidatePhrasesDedupes(t *testing.T) {
	cfg := testConfig()
	cfg.Ngrams.Trigrams = false
	h := New(nil, cfg, nil, nil)

	got := h.candidatePhrases("crash crash crash")
	assert.Equal(t, []string{"crash", "crash crash"}, got)
}

func TestCandidatePhrasesToggles(t *testing.T) {
	cfg := testConfig()
	cfg.Ngrams.Unigrams = false
	cfg.Ngrams.Trigrams = false
	h := New(nil, cfg, nil, nil)

	got := h.candidatePhrases("sync loses files")
	assert.Equal(t, []string{"sync loses", "loses files"}, got)
}

func TestPhrasePositionsOverlapping(t *testing.T) {
	assert.Equal(t, []int{0, 4}, phrasePositions("aaa aaa", "aaa"))
	assert.Equal(t, []int{0, 1, 2}, phrasePositions("aaaa", "aa"))
	assert.Empty(t, phrasePositions("nothing here", "absent"))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"it", "s", "v2", "now"}, tokenize("it's v2, now!"))
	assert.Empty(t, tokenize("!!! ..."))
}
