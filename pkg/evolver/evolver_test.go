package evolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/errors"
	"github.com/themeflow/themeflow/pkg/extractor"
	"github.com/themeflow/themeflow/pkg/models"
	"github.com/themeflow/themeflow/pkg/store"
)

const question = "What should we improve?"

type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return f.vectors[text], nil
}

type fakeNamer struct {
	refreshReply string
	refreshErr   error
	refreshCalls int
	refreshTexts [][]string

	names        []extractor.Candidate
	nameErr      error
	questions    []string
	clusterTexts [][]string
}

func (f *fakeNamer) RefreshDescription(ctx context.Context, theme *models.Theme, newResponses []string) (string, error) {
	f.refreshCalls++
	f.refreshTexts = append(f.refreshTexts, newResponses)
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	if f.refreshReply == "" {
		return theme.Description, nil
	}
	return f.refreshReply, nil
}

func (f *fakeNamer) NameCluster(ctx context.Context, q string, responses []string) (extractor.Candidate, error) {
	f.questions = append(f.questions, q)
	f.clusterTexts = append(f.clusterTexts, responses)
	if f.nameErr != nil {
		return extractor.Candidate{}, f.nameErr
	}
	if len(f.names) == 0 {
		return extractor.Candidate{Name: "Unnamed", Description: "unnamed cluster"}, nil
	}
	c := f.names[0]
	f.names = f.names[1:]
	return c, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Thresholds: config.ThresholdsConfig{
			Match:                0.75,
			Update:               0.50,
			Merge:                0.85,
			SplitVariance:        0.40,
			DriftUpdate:          0.20,
			MinContribution:      0.05,
			MinResponsesPerTheme: 2,
		},
		Processing: config.ProcessingConfig{RefreshSampleMax: 20},
	}
}

func newTestEvolver(embed Embedder, namer Namer) *Evolver {
	return New(embed, namer, testConfig(), nil, nil)
}

func seedTheme(t *testing.T, st store.Store, name string, vec []float32, batch int64) *models.Theme {
	t.Helper()
	th := &models.Theme{
		Name:             name,
		Description:      name + " description",
		Embedding:        vec,
		Status:           models.ThemeStatusActive,
		CreatedAtBatch:   batch,
		LastUpdatedBatch: batch,
	}
	require.NoError(t, st.PutTheme(context.Background(), th))
	return th
}

func seedResponse(t *testing.T, st store.Store, batch int64, text string, vec []float32) *models.Response {
	t.Helper()
	r := &models.Response{BatchID: batch, Question: question, Text: text, Embedding: vec}
	require.NoError(t, st.PutResponse(context.Background(), r))
	return r
}

func seedAssignment(t *testing.T, st store.Store, responseID, themeID, batch int64) {
	t.Helper()
	require.NoError(t, st.PutAssignment(context.Background(), &models.Assignment{
		ResponseID:       responseID,
		ThemeID:          themeID,
		Confidence:       0.9,
		AssignedAtBatch:  batch,
		LastUpdatedBatch: batch,
	}))
}

func TestMatchToExistingThresholds(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	strong := seedTheme(t, st, "sync reliability", []float32{1, 0, 0}, 1)
	near := seedTheme(t, st, "pricing", unitAt(0.6), 1)
	seedTheme(t, st, "support", []float32{0, 0, 1}, 1)

	pass := newTestEvolver(&fakeEmbedder{}, &fakeNamer{}).Begin(st, 2, question, "")
	r := seedResponse(t, st, 2, "sync keeps dropping my files", []float32{1, 0, 0})

	res, err := pass.MatchToExisting(ctx, []*models.Response{r})
	require.NoError(t, err)

	require.Len(t, res.Edges, 1)
	assert.Equal(t, strong.ID, res.Edges[0].Theme.ID)
	assert.Equal(t, r.ID, res.Edges[0].ResponseID)
	assert.InDelta(t, 1.0, res.Edges[0].Similarity, 1e-6)
	assert.Equal(t, 1, res.Near)

	// Both the edge and the near hit feed the refresh pool.
	assert.Equal(t, []string{r.Text}, pass.refresh[strong.ID])
	assert.Equal(t, []string{r.Text}, pass.refresh[near.ID])
}

func TestMatchToExistingMultiLabelCap(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	first := seedTheme(t, st, "a", unitAt(0.99), 1)
	second := seedTheme(t, st, "b", unitAt(0.95), 1)
	third := seedTheme(t, st, "c", unitAt(0.90), 1)
	seedTheme(t, st, "d", unitAt(0.80), 1)

	pass := newTestEvolver(&fakeEmbedder{}, &fakeNamer{}).Begin(st, 2, question, "")
	r := seedResponse(t, st, 2, "fits all four", []float32{1, 0, 0})

	res, err := pass.MatchToExisting(ctx, []*models.Response{r})
	require.NoError(t, err)

	require.Len(t, res.Edges, 3)
	assert.Equal(t, first.ID, res.Edges[0].Theme.ID)
	assert.Equal(t, second.ID, res.Edges[1].Theme.ID)
	assert.Equal(t, third.ID, res.Edges[2].Theme.ID)
	assert.Zero(t, res.Near)
}

func TestMatchToExistingSkipsZeroVectors(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	seedTheme(t, st, "sync", []float32{1, 0, 0}, 1)
	pass := newTestEvolver(&fakeEmbedder{}, &fakeNamer{}).Begin(st, 2, question, "")
	r := seedResponse(t, st, 2, "", make([]float32, 3))

	res, err := pass.MatchToExisting(ctx, []*models.Response{r})
	require.NoError(t, err)
	assert.Empty(t, res.Edges)
	assert.Zero(t, res.Near)
}

func TestDedupeCandidates(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	existing := seedTheme(t, st, "billing", []float32{1, 0, 0}, 1)
	pass := newTestEvolver(&fakeEmbedder{}, &fakeNamer{}).Begin(st, 2, question, "")

	res, err := pass.DedupeCandidates(ctx, []Candidate{
		{Name: "Pricing concerns", Description: "costs too much", Embedding: []float32{0, 1, 0}},
		// Near-duplicate of the first candidate's freshly created theme.
		{Name: "Subscription cost", Description: "price complaints", Embedding: []float32{0, 0.995, 0.0999}},
		// Near-duplicate of the pre-existing billing theme.
		{Name: "Billing errors", Description: "wrong charges", Embedding: unitAt(0.9)},
	})
	require.NoError(t, err)

	require.Len(t, res.Created, 1)
	created := res.Created[0]
	assert.Equal(t, "Pricing concerns", created.Name)
	assert.Equal(t, int64(2), created.CreatedAtBatch)
	assert.Equal(t, models.ThemeStatusActive, created.Status)

	require.Len(t, res.Redirects, 1)
	assert.Equal(t, existing.ID, res.Redirects[0].ID)
	assert.Len(t, res.Themes(), 2)

	entries, err := st.EvolutionForBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionCreated, entries[0].Action)
	assert.Equal(t, created.ID, entries[0].ThemeID)
}

func TestMatchAgainstSkipsSeenPairs(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	existing := seedTheme(t, st, "billing", []float32{1, 0, 0}, 1)
	pass := newTestEvolver(&fakeEmbedder{}, &fakeNamer{}).Begin(st, 2, question, "")

	r1 := seedResponse(t, st, 2, "billing is wrong", []float32{1, 0, 0})
	r2 := seedResponse(t, st, 2, "pricing is high", []float32{0, 1, 0})
	responses := []*models.Response{r1, r2}

	first, err := pass.MatchToExisting(ctx, responses)
	require.NoError(t, err)
	require.Len(t, first.Edges, 1)
	assert.Equal(t, existing.ID, first.Edges[0].Theme.ID)

	dedupe, err := pass.DedupeCandidates(ctx, []Candidate{
		{Name: "Pricing", Description: "costs", Embedding: []float32{0, 1, 0}},
		{Name: "Billing", Description: "invoices", Embedding: unitAt(0.9)}, // redirects to existing
	})
	require.NoError(t, err)

	second, err := pass.MatchAgainst(ctx, responses, dedupe.Themes())
	require.NoError(t, err)

	// r1 already carries the existing-theme edge from the first pass; only
	// r2's edge to the new theme is added.
	require.Len(t, second.Edges, 1)
	assert.Equal(t, r2.ID, second.Edges[0].ResponseID)
	assert.Equal(t, dedupe.Created[0].ID, second.Edges[0].Theme.ID)
}

func TestDetectMergesFoldsSimilarThemes(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	survivor := seedTheme(t, st, "sync issues", []float32{1, 0, 0}, 1)
	loser := seedTheme(t, st, "file sync", unitAt(0.95), 1)
	far := seedTheme(t, st, "support", []float32{0, 0, 1}, 1)

	texts := []string{"sync fails", "sync drops files", "sync never finishes", "file sync broken"}
	for i, text := range texts {
		r := seedResponse(t, st, 1, text, []float32{1, 0, 0})
		if i < 3 {
			seedAssignment(t, st, r.ID, survivor.ID, 1)
		} else {
			seedAssignment(t, st, r.ID, loser.ID, 1)
		}
	}

	namer := &fakeNamer{refreshReply: "Covers desktop and mobile sync failures"}
	pass := newTestEvolver(&fakeEmbedder{}, namer).Begin(st, 2, question, "")

	merges, err := pass.DetectMerges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, merges)

	gotLoser, err := st.GetTheme(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusMerged, gotLoser.Status)
	require.NotNil(t, gotLoser.ParentThemeID)
	assert.Equal(t, survivor.ID, *gotLoser.ParentThemeID)

	orphaned, err := st.AssignmentsForTheme(ctx, loser.ID)
	require.NoError(t, err)
	assert.Empty(t, orphaned)

	gotSurvivor, err := st.GetTheme(ctx, survivor.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, gotSurvivor.ResponseCount)
	assert.Equal(t, "Covers desktop and mobile sync failures", gotSurvivor.Description)
	assert.Equal(t, int64(2), gotSurvivor.LastUpdatedBatch)
	// Weighted 3:1 toward the survivor, renormalized.
	assert.InDelta(t, 0.9969, gotSurvivor.Embedding[0], 1e-3)
	assert.InDelta(t, 0.0788, gotSurvivor.Embedding[1], 1e-3)

	gotFar, err := st.GetTheme(ctx, far.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusActive, gotFar.Status)

	entries, err := st.EvolutionForBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionMerged, entries[0].Action)
	assert.Equal(t, survivor.ID, entries[0].ThemeID)
	require.NotNil(t, entries[0].RelatedThemeID)
	assert.Equal(t, loser.ID, *entries[0].RelatedThemeID)
	assert.Equal(t, 1, entries[0].AffectedResponses)

	// The description refresh saw the union of both themes' responses.
	require.Len(t, namer.refreshTexts, 1)
	assert.Equal(t, texts, namer.refreshTexts[0])
}

func TestPickSurvivor(t *testing.T) {
	big := &models.Theme{ID: 7, ResponseCount: 5}
	small := &models.Theme{ID: 3, ResponseCount: 2}

	s, l := pickSurvivor(small, big)
	assert.Equal(t, big, s)
	assert.Equal(t, small, l)

	s, l = pickSurvivor(big, small)
	assert.Equal(t, big, s)
	assert.Equal(t, small, l)

	// Equal counts: the older id survives.
	a := &models.Theme{ID: 1, ResponseCount: 2}
	b := &models.Theme{ID: 2, ResponseCount: 2}
	s, l = pickSurvivor(b, a)
	assert.Equal(t, a, s)
	assert.Equal(t, b, l)
}

func TestDetectMergesOncePerBatch(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	t1 := seedTheme(t, st, "first", []float32{1, 0, 0}, 1)
	t2 := seedTheme(t, st, "second", unitAt(0.95), 1)
	t3 := seedTheme(t, st, "third", unitAt(0.88), 1)

	r1 := seedResponse(t, st, 1, "a", []float32{1, 0, 0})
	r2 := seedResponse(t, st, 1, "b", []float32{1, 0, 0})
	r3 := seedResponse(t, st, 1, "c", unitAt(0.95))
	seedAssignment(t, st, r1.ID, t1.ID, 1)
	seedAssignment(t, st, r2.ID, t1.ID, 1)
	seedAssignment(t, st, r3.ID, t2.ID, 1)

	pass := newTestEvolver(&fakeEmbedder{}, &fakeNamer{}).Begin(st, 2, question, "")

	// t3 sits above the merge threshold against both t1 and t2, but both
	// are spent by the first merge, so it survives the batch untouched.
	merges, err := pass.DetectMerges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, merges)

	gotT2, err := st.GetTheme(ctx, t2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusMerged, gotT2.Status)

	gotT3, err := st.GetTheme(ctx, t3.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusActive, gotT3.Status)
}

func TestDetectSplitsPartitionsTheme(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	parent := seedTheme(t, st, "mixed feedback", []float32{0, 1, 0}, 1)
	r1 := seedResponse(t, st, 1, "sync is broken on desktop", []float32{1, 0, 0})
	r2 := seedResponse(t, st, 1, "sync loses files", []float32{0.98, 0.199, 0})
	r3 := seedResponse(t, st, 1, "pricing is too high", []float32{-1, 0, 0})
	r4 := seedResponse(t, st, 1, "subscription costs too much", []float32{-0.98, 0.199, 0})
	for _, r := range []*models.Response{r1, r2, r3, r4} {
		seedAssignment(t, st, r.ID, parent.ID, 1)
	}

	namer := &fakeNamer{names: []extractor.Candidate{
		{Name: "Sync problems", Description: "desktop sync failures"},
		{Name: "Pricing", Description: "subscription cost complaints"},
	}}
	pass := newTestEvolver(&fakeEmbedder{}, namer).Begin(st, 2, question, "")

	splits, err := pass.DetectSplits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, splits)

	gotParent, err := st.GetTheme(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusSplit, gotParent.Status)
	assert.Equal(t, 0, gotParent.ResponseCount)

	children, err := st.ThemesByStatus(ctx, models.ThemeStatusActive)
	require.NoError(t, err)
	require.Len(t, children, 2)

	syncChild, priceChild := children[0], children[1]
	assert.Equal(t, "Sync problems", syncChild.Name)
	assert.Equal(t, "Pricing", priceChild.Name)
	for _, child := range children {
		require.NotNil(t, child.ParentThemeID)
		assert.Equal(t, parent.ID, *child.ParentThemeID)
		assert.Equal(t, int64(2), child.CreatedAtBatch)
		assert.Equal(t, 2, child.ResponseCount)
	}
	// Child embeddings are the cluster centroids.
	assert.InDelta(t, 0.995, syncChild.Embedding[0], 1e-2)
	assert.InDelta(t, -0.995, priceChild.Embedding[0], 1e-2)

	for _, tc := range []struct {
		response *models.Response
		theme    *models.Theme
	}{{r1, syncChild}, {r2, syncChild}, {r3, priceChild}, {r4, priceChild}} {
		assigns, err := st.AssignmentsForResponse(ctx, tc.response.ID)
		require.NoError(t, err)
		require.Len(t, assigns, 1)
		assert.Equal(t, tc.theme.ID, assigns[0].ThemeID)
		assert.Equal(t, int64(2), assigns[0].LastUpdatedBatch)
	}

	require.Len(t, namer.clusterTexts, 2)
	assert.Equal(t, []string{r1.Text, r2.Text}, namer.clusterTexts[0])
	assert.Equal(t, []string{r3.Text, r4.Text}, namer.clusterTexts[1])
	assert.Equal(t, question, namer.questions[0])

	entries, err := st.EvolutionForBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.ActionSplit, entries[0].Action)
	assert.Equal(t, parent.ID, entries[0].ThemeID)
	require.NotNil(t, entries[0].RelatedThemeID)
	assert.Equal(t, syncChild.ID, *entries[0].RelatedThemeID)
	assert.Equal(t, 4, entries[0].AffectedResponses)
	assert.Equal(t, models.ActionCreated, entries[1].Action)
	assert.Equal(t, models.ActionCreated, entries[2].Action)
}

func TestDetectSplitsSkipsLowVariance(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	parent := seedTheme(t, st, "sync", []float32{1, 0, 0}, 1)
	vecs := [][]float32{{1, 0, 0}, {1, 0, 0}, {0.995, 0.0999, 0}, {0.995, 0.0999, 0}}
	for _, v := range vecs {
		r := seedResponse(t, st, 1, "close response", v)
		seedAssignment(t, st, r.ID, parent.ID, 1)
	}

	namer := &fakeNamer{}
	pass := newTestEvolver(&fakeEmbedder{}, namer).Begin(st, 2, question, "")

	splits, err := pass.DetectSplits(ctx)
	require.NoError(t, err)
	assert.Zero(t, splits)
	assert.Empty(t, namer.clusterTexts)

	got, err := st.GetTheme(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusActive, got.Status)
}

func TestDetectSplitsRequiresMinimumMembers(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	parent := seedTheme(t, st, "lopsided", []float32{1, 0, 0}, 1)
	vecs := [][]float32{{1, 0, 0}, {0.99, 0.141, 0}, {0.98, 0.199, 0}, {-1, 0, 0}}
	for _, v := range vecs {
		r := seedResponse(t, st, 1, "member", v)
		seedAssignment(t, st, r.ID, parent.ID, 1)
	}

	namer := &fakeNamer{}
	pass := newTestEvolver(&fakeEmbedder{}, namer).Begin(st, 2, question, "")

	// Variance is above threshold but one cluster holds a single response.
	splits, err := pass.DetectSplits(ctx)
	require.NoError(t, err)
	assert.Zero(t, splits)
	assert.Empty(t, namer.clusterTexts)

	got, err := st.GetTheme(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusActive, got.Status)
	assert.Equal(t, 4, got.ResponseCount)
}

func TestDetectSplitsNamingFailure(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	seedSplittable := func(st store.Store) *models.Theme {
		parent := seedTheme(t, st, "mixed", []float32{0, 1, 0}, 1)
		vecs := [][]float32{{1, 0, 0}, {0.98, 0.199, 0}, {-1, 0, 0}, {-0.98, 0.199, 0}}
		for _, v := range vecs {
			r := seedResponse(t, st, 1, "member", v)
			seedAssignment(t, st, r.ID, parent.ID, 1)
		}
		return parent
	}

	// A parse failure abandons the split but not the batch.
	parent := seedSplittable(st)
	namer := &fakeNamer{nameErr: errors.New(errors.CodeExtractorParseFailed, "no valid json")}
	pass := newTestEvolver(&fakeEmbedder{}, namer).Begin(st, 2, question, "")

	splits, err := pass.DetectSplits(ctx)
	require.NoError(t, err)
	assert.Zero(t, splits)

	got, err := st.GetTheme(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusActive, got.Status)
	entries, err := st.EvolutionForBatch(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Cancellation propagates.
	st2 := store.NewMemoryStore()
	seedSplittable(st2)
	cancelled := &fakeNamer{nameErr: errors.New(errors.CodeCancelled, "context canceled")}
	pass2 := newTestEvolver(&fakeEmbedder{}, cancelled).Begin(st2, 2, question, "")

	_, err = pass2.DetectSplits(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
}

func TestDetectSplitsSkipsMergedSurvivor(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	t1 := seedTheme(t, st, "mixed", []float32{1, 0, 0}, 1)
	seedTheme(t, st, "twin", unitAt(0.9), 1)

	vecs := [][]float32{{1, 0, 0}, {0.98, 0.199, 0}, {-1, 0, 0}, {-0.98, 0.199, 0}}
	for _, v := range vecs {
		r := seedResponse(t, st, 1, "member", v)
		seedAssignment(t, st, r.ID, t1.ID, 1)
	}

	pass := newTestEvolver(&fakeEmbedder{}, &fakeNamer{}).Begin(st, 2, question, "")

	merges, err := pass.DetectMerges(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, merges)

	// t1 survived a merge this batch, so its variance is not reconsidered.
	splits, err := pass.DetectSplits(ctx)
	require.NoError(t, err)
	assert.Zero(t, splits)

	got, err := st.GetTheme(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusActive, got.Status)
}

func TestRetireEmptyThemes(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	ghost := seedTheme(t, st, "ghost", []float32{1, 0, 0}, 1)
	fresh := seedTheme(t, st, "fresh", []float32{0, 1, 0}, 2)
	busy := seedTheme(t, st, "busy", []float32{0, 0, 1}, 1)
	r := seedResponse(t, st, 1, "keeps busy alive", []float32{0, 0, 1})
	seedAssignment(t, st, r.ID, busy.ID, 1)

	pass := newTestEvolver(&fakeEmbedder{}, &fakeNamer{}).Begin(st, 2, question, "")

	retired, err := pass.RetireEmpty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retired)

	gotGhost, err := st.GetTheme(ctx, ghost.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusRetired, gotGhost.Status)
	assert.Equal(t, "no live assignments", gotGhost.Metadata["retire_reason"])

	// Created this batch: exempt even with zero assignments.
	gotFresh, err := st.GetTheme(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusActive, gotFresh.Status)

	gotBusy, err := st.GetTheme(ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusActive, gotBusy.Status)

	entries, err := st.EvolutionForBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionRetired, entries[0].Action)
	assert.Equal(t, ghost.ID, entries[0].ThemeID)
}

func TestRefreshDescriptionsAppliesDrift(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	theme := seedTheme(t, st, "sync", []float32{1, 0, 0}, 1)
	namer := &fakeNamer{refreshReply: "sync now covers mobile uploads"}
	embed := &fakeEmbedder{vectors: map[string][]float32{
		ThemeText("sync", "sync now covers mobile uploads"): unitAt(0.7),
	}}
	pass := newTestEvolver(embed, namer).Begin(st, 2, question, "")

	texts := []string{"mobile upload stalls", "uploads fail on cell data", "phone photos never sync"}
	responses := make([]*models.Response, 0, 3)
	for _, text := range texts {
		responses = append(responses, seedResponse(t, st, 2, text, unitAt(0.6)))
	}
	res, err := pass.MatchToExisting(ctx, responses)
	require.NoError(t, err)
	require.Equal(t, 3, res.Near)

	updated, err := pass.RefreshDescriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	got, err := st.GetTheme(ctx, theme.ID)
	require.NoError(t, err)
	assert.Equal(t, "sync now covers mobile uploads", got.Description)
	assert.InDelta(t, 0.7, got.Embedding[0], 1e-6)
	assert.Equal(t, int64(2), got.LastUpdatedBatch)

	require.Len(t, namer.refreshTexts, 1)
	assert.Equal(t, texts, namer.refreshTexts[0])

	entries, err := st.EvolutionForBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionUpdated, entries[0].Action)
	assert.Equal(t, theme.ID, entries[0].ThemeID)
	assert.Equal(t, 3, entries[0].AffectedResponses)
}

func TestRefreshDescriptionsKeepsBelowDrift(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	theme := seedTheme(t, st, "sync", []float32{1, 0, 0}, 1)
	namer := &fakeNamer{refreshReply: "sync, reworded only slightly"}
	embed := &fakeEmbedder{vectors: map[string][]float32{
		ThemeText("sync", "sync, reworded only slightly"): unitAt(0.9),
	}}
	pass := newTestEvolver(embed, namer).Begin(st, 2, question, "")

	for _, text := range []string{"a", "b", "c"} {
		r := seedResponse(t, st, 2, text, unitAt(0.6))
		_, err := pass.MatchToExisting(ctx, []*models.Response{r})
		require.NoError(t, err)
	}

	updated, err := pass.RefreshDescriptions(ctx)
	require.NoError(t, err)
	assert.Zero(t, updated)

	got, err := st.GetTheme(ctx, theme.ID)
	require.NoError(t, err)
	assert.Equal(t, theme.Description, got.Description)

	entries, err := st.EvolutionForBatch(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRefreshDescriptionsNeedsThreeResponses(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	seedTheme(t, st, "sync", []float32{1, 0, 0}, 1)
	namer := &fakeNamer{refreshReply: "would change everything"}
	pass := newTestEvolver(&fakeEmbedder{}, namer).Begin(st, 2, question, "")

	for _, text := range []string{"a", "b"} {
		r := seedResponse(t, st, 2, text, unitAt(0.6))
		_, err := pass.MatchToExisting(ctx, []*models.Response{r})
		require.NoError(t, err)
	}

	updated, err := pass.RefreshDescriptions(ctx)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Zero(t, namer.refreshCalls)
}

func TestRefreshDescriptionsSkipsCreatedThemes(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	namer := &fakeNamer{refreshReply: "should never be asked"}
	pass := newTestEvolver(&fakeEmbedder{}, namer).Begin(st, 2, question, "")

	dedupe, err := pass.DedupeCandidates(ctx, []Candidate{
		{Name: "Pricing", Description: "costs", Embedding: []float32{0, 1, 0}},
	})
	require.NoError(t, err)

	responses := make([]*models.Response, 0, 3)
	for _, text := range []string{"a", "b", "c"} {
		responses = append(responses, seedResponse(t, st, 2, text, []float32{0, 1, 0}))
	}
	res, err := pass.MatchAgainst(ctx, responses, dedupe.Themes())
	require.NoError(t, err)
	require.Len(t, res.Edges, 3)

	updated, err := pass.RefreshDescriptions(ctx)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Zero(t, namer.refreshCalls)
}

func TestRefreshDescriptionsSkipsMergedThemes(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	t1 := seedTheme(t, st, "first", []float32{1, 0, 0}, 1)
	seedTheme(t, st, "second", unitAt(0.9), 1)

	namer := &fakeNamer{refreshReply: "merged description"}
	pass := newTestEvolver(&fakeEmbedder{}, namer).Begin(st, 2, question, "")

	responses := make([]*models.Response, 0, 3)
	for _, text := range []string{"a", "b", "c"} {
		responses = append(responses, seedResponse(t, st, 2, text, unitAt(0.6)))
	}
	_, err := pass.MatchToExisting(ctx, responses)
	require.NoError(t, err)

	merges, err := pass.DetectMerges(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, merges)
	require.Equal(t, 1, namer.refreshCalls)

	// t1 already transitioned via the merge; its pool is not revisited.
	updated, err := pass.RefreshDescriptions(ctx)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Equal(t, 1, namer.refreshCalls)

	got, err := st.GetTheme(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThemeStatusActive, got.Status)
}
