// Package evolver mutates the theme catalog batch by batch: it matches
// responses to themes, folds freshly extracted candidates into the catalog,
// merges near-identical themes, splits high-variance ones, retires orphans
// and refreshes stale descriptions. A theme transitions at most once per
// batch; the Pass type carries that bookkeeping between operations.
package evolver

import (
	"context"
	"sort"

	"github.com/themeflow/themeflow/pkg/common"
	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/errors"
	"github.com/themeflow/themeflow/pkg/extractor"
	"github.com/themeflow/themeflow/pkg/models"
	"github.com/themeflow/themeflow/pkg/observability"
	"github.com/themeflow/themeflow/pkg/store"
)

const (
	// maxThemesPerResponse caps multi-label assignment per matching pass.
	maxThemesPerResponse = 3
	// refreshMinResponses is how many new or near responses a theme must
	// accumulate in a batch before its description is reconsidered.
	refreshMinResponses = 3
)

// Embedder is the slice of the embedding service the evolver needs.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Namer produces theme names and refreshed descriptions through the
// generation backend.
type Namer interface {
	RefreshDescription(ctx context.Context, theme *models.Theme, newResponses []string) (string, error)
	NameCluster(ctx context.Context, question string, responses []string) (extractor.Candidate, error)
}

// Candidate is a proposed theme from extraction with its embedding already
// computed over ThemeText(name, description).
type Candidate struct {
	Name        string
	Description string
	Embedding   []float32
}

// ThemeText is the canonical embedding input for a theme.
func ThemeText(name, description string) string {
	return name + ": " + description
}

// Edge is one response-to-theme link at assignment strength.
type Edge struct {
	ResponseID int64
	Theme      *models.Theme
	Similarity float64
}

// MatchResult is the outcome of one matching pass.
type MatchResult struct {
	Edges []Edge
	// Near counts responses that landed between the update and match
	// thresholds; their texts feed description refresh.
	Near int
}

// DedupeResult is the outcome of folding extracted candidates into the
// catalog.
type DedupeResult struct {
	Created   []*models.Theme // new active themes from unmatched candidates
	Redirects []*models.Theme // existing themes that absorbed a candidate
}

// Themes returns the second-pass match targets: every theme the batch's
// candidates point at, created and pre-existing alike.
func (r *DedupeResult) Themes() []*models.Theme {
	out := make([]*models.Theme, 0, len(r.Created)+len(r.Redirects))
	out = append(out, r.Created...)
	out = append(out, r.Redirects...)
	return out
}

// Evolver owns the long-lived collaborators. It holds no per-batch state;
// Begin returns a Pass bound to one batch and one store view.
type Evolver struct {
	embed            Embedder
	namer            Namer
	thresholds       config.ThresholdsConfig
	minPerTheme      int
	refreshSampleMax int
	logger           observability.Logger
	metrics          observability.MetricsClient
}

// New builds an Evolver from the shared configuration.
func New(embed Embedder, namer Namer, cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) *Evolver {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	minPerTheme := cfg.Thresholds.MinResponsesPerTheme
	if minPerTheme < 1 {
		minPerTheme = 1
	}
	sampleMax := cfg.Processing.RefreshSampleMax
	if sampleMax <= 0 {
		sampleMax = 20
	}
	return &Evolver{
		embed:            embed,
		namer:            namer,
		thresholds:       cfg.Thresholds,
		minPerTheme:      minPerTheme,
		refreshSampleMax: sampleMax,
		logger:           logger.WithPrefix("evolver"),
		metrics:          metrics,
	}
}

type pairKey struct {
	responseID int64
	themeID    int64
}

// Pass is one batch's walk through the evolution pipeline. Operations must
// run in order: MatchToExisting, DedupeCandidates (plus MatchAgainst for the
// second pass), DetectMerges, DetectSplits, RetireEmpty, RefreshDescriptions.
type Pass struct {
	ev       *Evolver
	st       store.Store
	batchID  int64
	question string
	runID    string

	touched map[int64]bool     // transitioned this batch; excluded from further ops
	created map[int64]bool     // created this batch; skipped by refresh and retirement
	seen    map[pairKey]bool   // (response, theme) pairs already matched
	refresh map[int64][]string // theme id -> new/near response texts this batch
}

// Begin binds a Pass to one batch. st is the store view the pass mutates;
// inside a batch transaction it must be the transactional view.
func (e *Evolver) Begin(st store.Store, batchID int64, question, runID string) *Pass {
	return &Pass{
		ev:       e,
		st:       st,
		batchID:  batchID,
		question: question,
		runID:    runID,
		touched:  make(map[int64]bool),
		created:  make(map[int64]bool),
		seen:     make(map[pairKey]bool),
		refresh:  make(map[int64][]string),
	}
}

// MatchToExisting links responses to the active catalog. Hits at or above
// the match threshold become assignment edges, up to maxThemesPerResponse
// per response; hits between the update and match thresholds only feed the
// refresh pool. Zero-vector responses match nothing.
func (p *Pass) MatchToExisting(ctx context.Context, responses []*models.Response) (*MatchResult, error) {
	res := &MatchResult{}
	for _, r := range responses {
		if common.IsZeroVector(r.Embedding) {
			continue
		}
		matches, err := p.st.FindSimilarThemes(ctx, r.Embedding, p.ev.thresholds.Update, maxThemesPerResponse, models.ThemeStatusActive)
		if err != nil {
			return nil, err
		}
		p.partition(r, matches, res)
	}
	p.ev.logger.Debug("matched responses against catalog", map[string]interface{}{
		"batch_id":  p.batchID,
		"responses": len(responses),
		"edges":     len(res.Edges),
		"near":      res.Near,
	})
	return res, nil
}

// MatchAgainst is the second matching pass: the same thresholds and top-k
// rule, but scored in memory against an explicit theme set, so responses
// reach the batch's new and redirect themes without re-running the catalog
// query.
func (p *Pass) MatchAgainst(ctx context.Context, responses []*models.Response, themes []*models.Theme) (*MatchResult, error) {
	res := &MatchResult{}
	if len(themes) == 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(ctx, err)
	}
	for _, r := range responses {
		if common.IsZeroVector(r.Embedding) {
			continue
		}
		var matches []store.ThemeMatch
		for _, t := range themes {
			sim := common.CosineSimilarity(r.Embedding, t.Embedding)
			if sim >= p.ev.thresholds.Update {
				matches = append(matches, store.ThemeMatch{Theme: t, Similarity: sim})
			}
		}
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].Similarity != matches[j].Similarity {
				return matches[i].Similarity > matches[j].Similarity
			}
			return matches[i].Theme.ID < matches[j].Theme.ID
		})
		if len(matches) > maxThemesPerResponse {
			matches = matches[:maxThemesPerResponse]
		}
		p.partition(r, matches, res)
	}
	return res, nil
}

// partition splits similarity hits into assignment edges and the refresh
// pool. Pairs already matched this batch are skipped so the second pass
// cannot double-count a redirect target.
func (p *Pass) partition(r *models.Response, matches []store.ThemeMatch, res *MatchResult) {
	for _, m := range matches {
		key := pairKey{responseID: r.ID, themeID: m.Theme.ID}
		if p.seen[key] {
			continue
		}
		p.seen[key] = true
		if m.Similarity >= p.ev.thresholds.Match {
			res.Edges = append(res.Edges, Edge{ResponseID: r.ID, Theme: m.Theme, Similarity: m.Similarity})
		} else {
			res.Near++
		}
		p.refresh[m.Theme.ID] = append(p.refresh[m.Theme.ID], r.Text)
	}
}

// DedupeCandidates folds extracted candidates into the catalog: a candidate
// within the merge threshold of an active theme is dropped and the theme
// recorded as its redirect target, anything else becomes a new active theme.
func (p *Pass) DedupeCandidates(ctx context.Context, candidates []Candidate) (*DedupeResult, error) {
	res := &DedupeResult{}
	redirectSeen := make(map[int64]bool)
	for _, c := range candidates {
		if common.IsZeroVector(c.Embedding) {
			p.ev.logger.Warn("candidate has no embedding, skipping", map[string]interface{}{
				"candidate": c.Name,
			})
			continue
		}
		matches, err := p.st.FindSimilarThemes(ctx, c.Embedding, p.ev.thresholds.Merge, 1, models.ThemeStatusActive)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			target := matches[0]
			if !p.created[target.Theme.ID] && !redirectSeen[target.Theme.ID] {
				redirectSeen[target.Theme.ID] = true
				res.Redirects = append(res.Redirects, target.Theme)
			}
			p.ev.metrics.RecordCounter("evolver.candidates.deduped", 1, nil)
			p.ev.logger.Info("candidate absorbed by existing theme", map[string]interface{}{
				"candidate":  c.Name,
				"theme_id":   target.Theme.ID,
				"similarity": target.Similarity,
			})
			continue
		}

		theme := &models.Theme{
			Name:             c.Name,
			Description:      c.Description,
			Embedding:        c.Embedding,
			Status:           models.ThemeStatusActive,
			CreatedAtBatch:   p.batchID,
			LastUpdatedBatch: p.batchID,
		}
		if err := p.st.PutTheme(ctx, theme); err != nil {
			return nil, err
		}
		p.created[theme.ID] = true
		if err := p.appendEvolution(ctx, models.ActionCreated, theme.ID, nil, 0, map[string]interface{}{
			"name": theme.Name,
		}); err != nil {
			return nil, err
		}
		res.Created = append(res.Created, theme)
		p.ev.metrics.RecordCounter("evolver.themes.created", 1, nil)
	}
	p.ev.logger.Info("deduplicated candidates", map[string]interface{}{
		"batch_id":   p.batchID,
		"candidates": len(candidates),
		"created":    len(res.Created),
		"redirected": len(res.Redirects),
	})
	return res, nil
}

// DetectMerges folds active theme pairs whose embeddings sit at or above the
// merge threshold. Themes touched by a merge take no further transitions
// this batch.
func (p *Pass) DetectMerges(ctx context.Context) (int, error) {
	themes, err := p.st.ThemesByStatus(ctx, models.ThemeStatusActive)
	if err != nil {
		return 0, err
	}
	merges := 0
	for i := 0; i < len(themes); i++ {
		if p.touched[themes[i].ID] {
			continue
		}
		for j := i + 1; j < len(themes); j++ {
			if p.touched[themes[j].ID] {
				continue
			}
			sim := common.CosineSimilarity(themes[i].Embedding, themes[j].Embedding)
			if sim < p.ev.thresholds.Merge {
				continue
			}
			survivor, loser := pickSurvivor(themes[i], themes[j])
			if err := p.merge(ctx, survivor, loser, sim); err != nil {
				return merges, err
			}
			p.touched[survivor.ID] = true
			p.touched[loser.ID] = true
			merges++
			break
		}
	}
	return merges, nil
}

// pickSurvivor prefers the theme with more responses, then the older id.
func pickSurvivor(a, b *models.Theme) (survivor, loser *models.Theme) {
	if a.ResponseCount != b.ResponseCount {
		if a.ResponseCount > b.ResponseCount {
			return a, b
		}
		return b, a
	}
	if a.ID < b.ID {
		return a, b
	}
	return b, a
}

func (p *Pass) merge(ctx context.Context, survivor, loser *models.Theme, similarity float64) error {
	merged := common.WeightedAverage(survivor.Embedding, loser.Embedding,
		float64(survivor.ResponseCount), float64(loser.ResponseCount))
	if merged == nil {
		merged = survivor.Embedding
	}

	texts, err := p.unionResponseTexts(ctx, survivor.ID, loser.ID)
	if err != nil {
		return err
	}
	description, err := p.ev.namer.RefreshDescription(ctx, survivor, texts)
	if err != nil {
		return err
	}

	loser.Status = models.ThemeStatusMerged
	loser.ParentThemeID = &survivor.ID
	loser.LastUpdatedBatch = p.batchID
	if err := p.st.UpdateTheme(ctx, loser); err != nil {
		return err
	}

	affected, err := p.st.RewriteAssignments(ctx, loser.ID, survivor.ID, p.batchID)
	if err != nil {
		return err
	}

	// Re-fetch so the rewrite's recounted response_count is not clobbered.
	fresh, err := p.st.GetTheme(ctx, survivor.ID)
	if err != nil {
		return err
	}
	fresh.Embedding = merged
	fresh.Description = description
	fresh.LastUpdatedBatch = p.batchID
	if err := p.st.UpdateTheme(ctx, fresh); err != nil {
		return err
	}

	p.ev.metrics.RecordCounter("evolver.merges", 1, nil)
	p.ev.logger.Info("merged themes", map[string]interface{}{
		"survivor_id": survivor.ID,
		"merged_id":   loser.ID,
		"similarity":  similarity,
		"affected":    affected,
	})
	return p.appendEvolution(ctx, models.ActionMerged, survivor.ID, &loser.ID, affected, map[string]interface{}{
		"merged_name": loser.Name,
		"similarity":  similarity,
	})
}

// unionResponseTexts collects the texts assigned to the given themes,
// deduplicated by response, capped at the refresh sample size.
func (p *Pass) unionResponseTexts(ctx context.Context, themeIDs ...int64) ([]string, error) {
	var texts []string
	seen := make(map[int64]bool)
	for _, id := range themeIDs {
		assigns, err := p.st.AssignmentsForTheme(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, a := range assigns {
			if seen[a.ResponseID] {
				continue
			}
			seen[a.ResponseID] = true
			r, err := p.st.GetResponse(ctx, a.ResponseID)
			if err != nil {
				return nil, err
			}
			texts = append(texts, r.Text)
			if len(texts) >= p.ev.refreshSampleMax {
				return texts, nil
			}
		}
	}
	return texts, nil
}

// DetectSplits breaks up untouched active themes whose assigned responses
// have drifted apart. A split commits only when both clusters clear the
// per-theme minimum; otherwise the theme is left as it was.
func (p *Pass) DetectSplits(ctx context.Context) (int, error) {
	themes, err := p.st.ThemesByStatus(ctx, models.ThemeStatusActive)
	if err != nil {
		return 0, err
	}
	splits := 0
	for _, t := range themes {
		if p.touched[t.ID] || t.ResponseCount < 2*p.ev.minPerTheme {
			continue
		}
		committed, err := p.trySplit(ctx, t)
		if err != nil {
			return splits, err
		}
		if committed {
			splits++
		}
	}
	return splits, nil
}

func (p *Pass) trySplit(ctx context.Context, parent *models.Theme) (bool, error) {
	assigns, err := p.st.AssignmentsForTheme(ctx, parent.ID)
	if err != nil {
		return false, err
	}
	if len(assigns) < 2*p.ev.minPerTheme {
		return false, nil
	}

	members := make([]*models.Response, 0, len(assigns))
	vecs := make([][]float32, 0, len(assigns))
	for _, a := range assigns {
		r, err := p.st.GetResponse(ctx, a.ResponseID)
		if err != nil {
			return false, err
		}
		members = append(members, r)
		vecs = append(vecs, r.Embedding)
	}

	variance := clusterVariance(vecs)
	if variance <= p.ev.thresholds.SplitVariance {
		return false, nil
	}

	clusterA, clusterB := twoMeans(vecs)
	if len(clusterA) < p.ev.minPerTheme || len(clusterB) < p.ev.minPerTheme {
		p.ev.logger.Debug("split abandoned, cluster below minimum", map[string]interface{}{
			"theme_id":  parent.ID,
			"cluster_a": len(clusterA),
			"cluster_b": len(clusterB),
		})
		return false, nil
	}

	// Name both clusters before mutating anything, so a naming failure
	// leaves the parent untouched.
	candA, err := p.nameCluster(ctx, parent, members, clusterA)
	if err != nil || candA == nil {
		return false, err
	}
	candB, err := p.nameCluster(ctx, parent, members, clusterB)
	if err != nil || candB == nil {
		return false, err
	}

	childA, err := p.promoteCluster(ctx, parent, *candA, vecs, clusterA)
	if err != nil {
		return false, err
	}
	childB, err := p.promoteCluster(ctx, parent, *candB, vecs, clusterB)
	if err != nil {
		return false, err
	}

	parent.Status = models.ThemeStatusSplit
	parent.LastUpdatedBatch = p.batchID
	if err := p.st.UpdateTheme(ctx, parent); err != nil {
		return false, err
	}

	movedA, err := p.st.ReassignResponses(ctx, parent.ID, childA.ID, p.batchID, responseIDs(members, clusterA))
	if err != nil {
		return false, err
	}
	movedB, err := p.st.ReassignResponses(ctx, parent.ID, childB.ID, p.batchID, responseIDs(members, clusterB))
	if err != nil {
		return false, err
	}

	if err := p.appendEvolution(ctx, models.ActionSplit, parent.ID, &childA.ID, movedA+movedB, map[string]interface{}{
		"variance": variance,
		"children": []interface{}{childA.Name, childB.Name},
	}); err != nil {
		return false, err
	}
	for _, child := range []*models.Theme{childA, childB} {
		if err := p.appendEvolution(ctx, models.ActionCreated, child.ID, &parent.ID, 0, map[string]interface{}{
			"name": child.Name,
		}); err != nil {
			return false, err
		}
	}

	p.touched[parent.ID] = true
	p.created[childA.ID] = true
	p.created[childB.ID] = true

	p.ev.metrics.RecordCounter("evolver.splits", 1, nil)
	p.ev.logger.Info("split theme", map[string]interface{}{
		"theme_id": parent.ID,
		"variance": variance,
		"child_a":  childA.ID,
		"child_b":  childB.ID,
		"affected": movedA + movedB,
	})
	return true, nil
}

// nameCluster asks the generation backend to label one cluster. A nil
// candidate with a nil error means the split should be abandoned.
func (p *Pass) nameCluster(ctx context.Context, parent *models.Theme, members []*models.Response, cluster []int) (*extractor.Candidate, error) {
	texts := make([]string, 0, len(cluster))
	for _, i := range cluster {
		texts = append(texts, members[i].Text)
	}
	cand, err := p.ev.namer.NameCluster(ctx, p.question, texts)
	if err != nil {
		if errors.IsCancelled(err) {
			return nil, err
		}
		p.ev.logger.Warn("split abandoned, cluster naming failed", map[string]interface{}{
			"theme_id": parent.ID,
			"error":    err.Error(),
		})
		return nil, nil
	}
	return &cand, nil
}

func (p *Pass) promoteCluster(ctx context.Context, parent *models.Theme, cand extractor.Candidate, vecs [][]float32, cluster []int) (*models.Theme, error) {
	group := make([][]float32, 0, len(cluster))
	for _, i := range cluster {
		group = append(group, vecs[i])
	}
	child := &models.Theme{
		Name:             cand.Name,
		Description:      cand.Description,
		Embedding:        common.Centroid(group),
		Status:           models.ThemeStatusActive,
		CreatedAtBatch:   p.batchID,
		LastUpdatedBatch: p.batchID,
		ParentThemeID:    &parent.ID,
	}
	if err := p.st.PutTheme(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

func responseIDs(members []*models.Response, cluster []int) []int64 {
	ids := make([]int64, 0, len(cluster))
	for _, i := range cluster {
		ids = append(ids, members[i].ID)
	}
	return ids
}

// RetireEmpty retires active themes from earlier batches whose live
// assignment count is zero. Themes created or transitioned this batch are
// left alone.
func (p *Pass) RetireEmpty(ctx context.Context) (int, error) {
	themes, err := p.st.ThemesByStatus(ctx, models.ThemeStatusActive)
	if err != nil {
		return 0, err
	}
	retired := 0
	for _, t := range themes {
		if t.CreatedAtBatch == p.batchID || p.touched[t.ID] || t.ResponseCount > 0 {
			continue
		}
		if err := p.st.RetireTheme(ctx, t.ID, p.batchID, "no live assignments"); err != nil {
			return retired, err
		}
		if err := p.appendEvolution(ctx, models.ActionRetired, t.ID, nil, 0, map[string]interface{}{
			"reason": "no live assignments",
		}); err != nil {
			return retired, err
		}
		p.touched[t.ID] = true
		retired++
		p.ev.metrics.RecordCounter("evolver.themes.retired", 1, nil)
		p.ev.logger.Info("retired empty theme", map[string]interface{}{
			"theme_id": t.ID,
			"name":     t.Name,
		})
	}
	return retired, nil
}

// RefreshDescriptions reconsiders the description of every theme that
// accumulated enough new or near responses this batch. The refreshed
// description is applied only when its embedding drifts past the update
// threshold, so minor rewordings do not churn the catalog.
func (p *Pass) RefreshDescriptions(ctx context.Context) (int, error) {
	ids := make([]int64, 0, len(p.refresh))
	for id := range p.refresh {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	updated := 0
	for _, id := range ids {
		pool := p.refresh[id]
		if len(pool) < refreshMinResponses || p.touched[id] || p.created[id] {
			continue
		}
		theme, err := p.st.GetTheme(ctx, id)
		if err != nil {
			return updated, err
		}
		if !theme.Live() {
			continue
		}

		description, err := p.ev.namer.RefreshDescription(ctx, theme, pool)
		if err != nil {
			return updated, err
		}
		if description == theme.Description {
			continue
		}

		vec, err := p.ev.embed.EmbedText(ctx, ThemeText(theme.Name, description))
		if err != nil {
			return updated, err
		}
		drift := common.CosineDistance(theme.Embedding, vec)
		if drift <= p.ev.thresholds.DriftUpdate {
			p.ev.logger.Debug("refreshed description kept below drift threshold", map[string]interface{}{
				"theme_id": id,
				"drift":    drift,
			})
			continue
		}

		theme.Description = description
		theme.Embedding = vec
		theme.LastUpdatedBatch = p.batchID
		if err := p.st.UpdateTheme(ctx, theme); err != nil {
			return updated, err
		}
		if err := p.appendEvolution(ctx, models.ActionUpdated, id, nil, len(pool), map[string]interface{}{
			"drift": drift,
		}); err != nil {
			return updated, err
		}
		p.ev.metrics.RecordCounter("evolver.descriptions.refreshed", 1, nil)
		p.ev.logger.Info("refreshed theme description", map[string]interface{}{
			"theme_id": id,
			"drift":    drift,
			"pool":     len(pool),
		})
		updated++
	}
	return updated, nil
}

func (p *Pass) appendEvolution(ctx context.Context, action models.EvolutionAction, themeID int64, related *int64, affected int, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	if p.runID != "" {
		details["run_id"] = p.runID
	}
	return p.st.AppendEvolution(ctx, &models.EvolutionEntry{
		BatchID:           p.batchID,
		Action:            action,
		ThemeID:           themeID,
		RelatedThemeID:    related,
		Details:           details,
		AffectedResponses: affected,
	})
}
