package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/themeflow/themeflow/pkg/common"
	"github.com/themeflow/themeflow/pkg/errors"
	"github.com/themeflow/themeflow/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory Store with brute-force similarity
// scans. It backs the test suite and the CLI's demo mode; its rollback
// semantics mirror the Postgres implementation by snapshotting state around
// Transact.
type MemoryStore struct {
	mu sync.RWMutex

	themes      map[int64]models.Theme
	responses   map[int64]models.Response
	assignments map[int64]models.Assignment
	// pairIndex maps responseID -> themeID -> assignmentID for upserts.
	pairIndex map[int64]map[int64]int64
	evolution []models.EvolutionEntry
	batches   map[int64]models.BatchMetadata
	cache     map[string]cacheEntry

	nextTheme      int64
	nextResponse   int64
	nextAssignment int64
	nextEvolution  int64
}

type cacheEntry struct {
	vec   []float32
	model string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		themes:      make(map[int64]models.Theme),
		responses:   make(map[int64]models.Response),
		assignments: make(map[int64]models.Assignment),
		pairIndex:   make(map[int64]map[int64]int64),
		batches:     make(map[int64]models.BatchMetadata),
		cache:       make(map[string]cacheEntry),
	}
}

// PutResponse stores a response and assigns its ID.
func (s *MemoryStore) PutResponse(ctx context.Context, r *models.Response) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(ctx, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextResponse++
	r.ID = s.nextResponse
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = time.Now().UTC()
	}
	stored := *r
	stored.Embedding = ensureUnit(cloneVec(r.Embedding))
	r.Embedding = cloneVec(stored.Embedding)
	s.responses[r.ID] = stored
	return nil
}

// PutResponses stores a slice of responses.
func (s *MemoryStore) PutResponses(ctx context.Context, rs []*models.Response) error {
	for _, r := range rs {
		if err := s.PutResponse(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// GetResponse returns the response with the given id.
func (s *MemoryStore) GetResponse(ctx context.Context, id int64) (*models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.responses[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := r
	out.Embedding = cloneVec(r.Embedding)
	return &out, nil
}

// ResponsesForBatch returns every response of a batch, ordered by id.
func (s *MemoryStore) ResponsesForBatch(ctx context.Context, batchID int64) ([]*models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Response
	for _, r := range s.responses {
		if r.BatchID == batchID {
			c := r
			c.Embedding = cloneVec(r.Embedding)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindSimilarResponses scans all responses by cosine similarity.
func (s *MemoryStore) FindSimilarResponses(ctx context.Context, vec []float32, minCos float64, k int) ([]ResponseMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ResponseMatch
	for _, r := range s.responses {
		sim := common.CosineSimilarity(vec, r.Embedding)
		if sim >= minCos {
			c := r
			c.Embedding = cloneVec(r.Embedding)
			out = append(out, ResponseMatch{Response: &c, Similarity: sim})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Response.ID < out[j].Response.ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// PutTheme stores a theme and assigns its ID.
func (s *MemoryStore) PutTheme(ctx context.Context, t *models.Theme) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(ctx, err)
	}
	if t.ParentThemeID != nil {
		if err := s.checkParent(*t.ParentThemeID, t.CreatedAtBatch); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTheme++
	t.ID = s.nextTheme
	if t.Status == "" {
		t.Status = models.ThemeStatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	stored := cloneTheme(t)
	stored.Embedding = ensureUnit(stored.Embedding)
	t.Embedding = cloneVec(stored.Embedding)
	s.themes[t.ID] = stored
	return nil
}

// UpdateTheme overwrites a stored theme's mutable fields.
func (s *MemoryStore) UpdateTheme(ctx context.Context, t *models.Theme) error {
	if t.ParentThemeID != nil && *t.ParentThemeID == t.ID {
		return errors.New(errors.CodeIntegrityConflict, "theme cannot be its own parent")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.themes[t.ID]
	if !ok {
		return ErrNotFound
	}

	stored := cloneTheme(t)
	stored.Embedding = ensureUnit(stored.Embedding)
	stored.CreatedAt = existing.CreatedAt
	stored.CreatedAtBatch = existing.CreatedAtBatch
	s.themes[t.ID] = stored
	return nil
}

// GetTheme returns the theme with the given id.
func (s *MemoryStore) GetTheme(ctx context.Context, id int64) (*models.Theme, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.themes[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneTheme(&t)
	return &out, nil
}

// ThemesByStatus returns all themes in the given status, ordered by id.
func (s *MemoryStore) ThemesByStatus(ctx context.Context, status models.ThemeStatus) ([]*models.Theme, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Theme
	for _, t := range s.themes {
		if t.Status == status {
			c := cloneTheme(&t)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RetireTheme marks an active theme retired and records the reason in its
// metadata.
func (s *MemoryStore) RetireTheme(ctx context.Context, id int64, batchID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.themes[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = models.ThemeStatusRetired
	t.LastUpdatedBatch = batchID
	if t.Metadata == nil {
		t.Metadata = make(map[string]interface{})
	} else {
		t.Metadata = cloneMeta(t.Metadata)
	}
	t.Metadata["retire_reason"] = reason
	s.themes[id] = t
	return nil
}

// FindSimilarThemes scans themes in the given status by cosine similarity.
func (s *MemoryStore) FindSimilarThemes(ctx context.Context, vec []float32, minCos float64, k int, status models.ThemeStatus) ([]ThemeMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ThemeMatch
	for _, t := range s.themes {
		if t.Status != status || len(t.Embedding) == 0 {
			continue
		}
		sim := common.CosineSimilarity(vec, t.Embedding)
		if sim >= minCos {
			c := cloneTheme(&t)
			out = append(out, ThemeMatch{Theme: &c, Similarity: sim})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Theme.ID < out[j].Theme.ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// PutAssignment inserts an assignment or, when the (response, theme) pair
// already exists, updates its confidence, keywords, and last_updated_batch.
func (s *MemoryStore) PutAssignment(ctx context.Context, a *models.Assignment) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(ctx, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.responses[a.ResponseID]; !ok {
		return errors.Newf(errors.CodeIntegrityConflict, "assignment references missing response %d", a.ResponseID)
	}
	theme, ok := s.themes[a.ThemeID]
	if !ok {
		return errors.Newf(errors.CodeIntegrityConflict, "assignment references missing theme %d", a.ThemeID)
	}

	if byTheme, ok := s.pairIndex[a.ResponseID]; ok {
		if id, ok := byTheme[a.ThemeID]; ok {
			existing := s.assignments[id]
			existing.Confidence = a.Confidence
			existing.Keywords = cloneKeywords(a.Keywords)
			existing.LastUpdatedBatch = a.LastUpdatedBatch
			s.assignments[id] = existing
			a.ID = id
			a.AssignedAtBatch = existing.AssignedAtBatch
			return nil
		}
	}

	s.nextAssignment++
	a.ID = s.nextAssignment
	stored := *a
	stored.Keywords = cloneKeywords(a.Keywords)
	s.assignments[a.ID] = stored
	if s.pairIndex[a.ResponseID] == nil {
		s.pairIndex[a.ResponseID] = make(map[int64]int64)
	}
	s.pairIndex[a.ResponseID][a.ThemeID] = a.ID

	theme.ResponseCount++
	s.themes[a.ThemeID] = theme
	return nil
}

// AssignmentsForTheme returns the live assignments of a theme, ordered by id.
func (s *MemoryStore) AssignmentsForTheme(ctx context.Context, themeID int64) ([]*models.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Assignment
	for _, a := range s.assignments {
		if a.ThemeID == themeID {
			c := a
			c.Keywords = cloneKeywords(a.Keywords)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AssignmentsForResponse returns every assignment of a response, ordered by id.
func (s *MemoryStore) AssignmentsForResponse(ctx context.Context, responseID int64) ([]*models.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Assignment
	for _, a := range s.assignments {
		if a.ResponseID == responseID {
			c := a
			c.Keywords = cloneKeywords(a.Keywords)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RewriteAssignments repoints every assignment of fromTheme at toTheme.
func (s *MemoryStore) RewriteAssignments(ctx context.Context, fromTheme, toTheme, batchID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.FromContext(ctx, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.themes[toTheme]; !ok {
		return 0, errors.Newf(errors.CodeIntegrityConflict, "rewrite target theme %d does not exist", toTheme)
	}

	affected := 0
	var ids []int64
	for id, a := range s.assignments {
		if a.ThemeID == fromTheme {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		a := s.assignments[id]
		delete(s.pairIndex[a.ResponseID], fromTheme)

		// The response may already carry the target theme; collapse the pair.
		if _, dup := s.pairIndex[a.ResponseID][toTheme]; dup {
			delete(s.assignments, id)
		} else {
			a.ThemeID = toTheme
			a.LastUpdatedBatch = batchID
			s.assignments[id] = a
			if s.pairIndex[a.ResponseID] == nil {
				s.pairIndex[a.ResponseID] = make(map[int64]int64)
			}
			s.pairIndex[a.ResponseID][toTheme] = id
		}
		affected++
	}

	s.recountLocked(fromTheme)
	s.recountLocked(toTheme)
	return affected, nil
}

// ReassignResponses repoints the listed responses' fromTheme assignments at
// toTheme, with the same duplicate-collapse rule as RewriteAssignments.
func (s *MemoryStore) ReassignResponses(ctx context.Context, fromTheme, toTheme, batchID int64, responseIDs []int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.FromContext(ctx, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.themes[toTheme]; !ok {
		return 0, errors.Newf(errors.CodeIntegrityConflict, "reassign target theme %d does not exist", toTheme)
	}

	wanted := make(map[int64]bool, len(responseIDs))
	for _, id := range responseIDs {
		wanted[id] = true
	}

	affected := 0
	var ids []int64
	for id, a := range s.assignments {
		if a.ThemeID == fromTheme && wanted[a.ResponseID] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		a := s.assignments[id]
		delete(s.pairIndex[a.ResponseID], fromTheme)

		if _, dup := s.pairIndex[a.ResponseID][toTheme]; dup {
			delete(s.assignments, id)
		} else {
			a.ThemeID = toTheme
			a.LastUpdatedBatch = batchID
			s.assignments[id] = a
			if s.pairIndex[a.ResponseID] == nil {
				s.pairIndex[a.ResponseID] = make(map[int64]int64)
			}
			s.pairIndex[a.ResponseID][toTheme] = id
		}
		affected++
	}

	s.recountLocked(fromTheme)
	s.recountLocked(toTheme)
	return affected, nil
}

// AppendEvolution appends an entry to the evolution log.
func (s *MemoryStore) AppendEvolution(ctx context.Context, e *models.EvolutionEntry) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(ctx, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEvolution++
	e.ID = s.nextEvolution
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	stored := *e
	stored.Details = cloneMeta(e.Details)
	s.evolution = append(s.evolution, stored)
	return nil
}

// EvolutionForBatch returns the log entries of a batch in append order.
func (s *MemoryStore) EvolutionForBatch(ctx context.Context, batchID int64) ([]*models.EvolutionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.EvolutionEntry
	for i := range s.evolution {
		if s.evolution[i].BatchID == batchID {
			c := s.evolution[i]
			c.Details = cloneMeta(c.Details)
			out = append(out, &c)
		}
	}
	return out, nil
}

// EvolutionForTheme returns the log entries that reference a theme.
func (s *MemoryStore) EvolutionForTheme(ctx context.Context, themeID int64) ([]*models.EvolutionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.EvolutionEntry
	for i := range s.evolution {
		e := s.evolution[i]
		if e.ThemeID == themeID || (e.RelatedThemeID != nil && *e.RelatedThemeID == themeID) {
			c := e
			c.Details = cloneMeta(c.Details)
			out = append(out, &c)
		}
	}
	return out, nil
}

// PutBatchMetadata inserts the batch row. A duplicate batch id is an
// integrity_conflict: batches are processed at most once.
func (s *MemoryStore) PutBatchMetadata(ctx context.Context, m *models.BatchMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[m.BatchID]; exists {
		return errors.Newf(errors.CodeIntegrityConflict, "batch %d already processed", m.BatchID)
	}
	if m.ProcessedAt.IsZero() {
		m.ProcessedAt = time.Now().UTC()
	}
	s.batches[m.BatchID] = *m
	return nil
}

// LastBatchID returns the highest processed batch id, or 0.
func (s *MemoryStore) LastBatchID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	for id := range s.batches {
		if id > max {
			max = id
		}
	}
	return max, nil
}

// CacheGet returns the cached vector for a hash.
func (s *MemoryStore) CacheGet(ctx context.Context, hash string) ([]float32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cache[hash]
	if !ok {
		return nil, false, nil
	}
	return cloneVec(e.vec), true, nil
}

// CachePut stores a vector under its content hash. Existing entries are
// immutable and kept.
func (s *MemoryStore) CachePut(ctx context.Context, hash string, vec []float32, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cache[hash]; exists {
		return nil
	}
	s.cache[hash] = cacheEntry{vec: cloneVec(vec), model: model}
	return nil
}

// Stats summarizes the stored catalog.
func (s *MemoryStore) Stats(ctx context.Context) (*models.CatalogStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.CatalogStats{
		TotalResponses:   len(s.responses),
		TotalAssignments: len(s.assignments),
		CacheEntries:     len(s.cache),
	}
	for _, t := range s.themes {
		switch t.Status {
		case models.ThemeStatusActive:
			stats.ActiveThemes++
		case models.ThemeStatusMerged:
			stats.MergedThemes++
		case models.ThemeStatusSplit:
			stats.SplitThemes++
		case models.ThemeStatusRetired:
			stats.RetiredThemes++
		}
	}
	for id := range s.batches {
		if id > stats.LastBatchID {
			stats.LastBatchID = id
		}
	}
	return stats, nil
}

// Transact snapshots the store, runs fn against it, and restores the
// snapshot if fn fails. The engine is single-writer, so snapshot/restore
// gives the same all-or-nothing behavior as a database transaction.
func (s *MemoryStore) Transact(ctx context.Context, fn func(Store) error) error {
	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Close implements Store.Close.
func (s *MemoryStore) Close() error { return nil }

type memorySnapshot struct {
	themes      map[int64]models.Theme
	responses   map[int64]models.Response
	assignments map[int64]models.Assignment
	pairIndex   map[int64]map[int64]int64
	evolution   []models.EvolutionEntry
	batches     map[int64]models.BatchMetadata
	cache       map[string]cacheEntry

	nextTheme, nextResponse, nextAssignment, nextEvolution int64
}

func (s *MemoryStore) snapshot() *memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &memorySnapshot{
		themes:         make(map[int64]models.Theme, len(s.themes)),
		responses:      make(map[int64]models.Response, len(s.responses)),
		assignments:    make(map[int64]models.Assignment, len(s.assignments)),
		pairIndex:      make(map[int64]map[int64]int64, len(s.pairIndex)),
		evolution:      make([]models.EvolutionEntry, len(s.evolution)),
		batches:        make(map[int64]models.BatchMetadata, len(s.batches)),
		cache:          make(map[string]cacheEntry, len(s.cache)),
		nextTheme:      s.nextTheme,
		nextResponse:   s.nextResponse,
		nextAssignment: s.nextAssignment,
		nextEvolution:  s.nextEvolution,
	}
	for id, t := range s.themes {
		snap.themes[id] = cloneTheme(&t)
	}
	for id, r := range s.responses {
		c := r
		c.Embedding = cloneVec(r.Embedding)
		snap.responses[id] = c
	}
	for id, a := range s.assignments {
		c := a
		c.Keywords = cloneKeywords(a.Keywords)
		snap.assignments[id] = c
	}
	for rid, byTheme := range s.pairIndex {
		inner := make(map[int64]int64, len(byTheme))
		for tid, aid := range byTheme {
			inner[tid] = aid
		}
		snap.pairIndex[rid] = inner
	}
	for i := range s.evolution {
		c := s.evolution[i]
		c.Details = cloneMeta(c.Details)
		snap.evolution[i] = c
	}
	for id, b := range s.batches {
		snap.batches[id] = b
	}
	for h, e := range s.cache {
		snap.cache[h] = cacheEntry{vec: cloneVec(e.vec), model: e.model}
	}
	return snap
}

func (s *MemoryStore) restore(snap *memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.themes = snap.themes
	s.responses = snap.responses
	s.assignments = snap.assignments
	s.pairIndex = snap.pairIndex
	s.evolution = snap.evolution
	s.batches = snap.batches
	s.cache = snap.cache
	s.nextTheme = snap.nextTheme
	s.nextResponse = snap.nextResponse
	s.nextAssignment = snap.nextAssignment
	s.nextEvolution = snap.nextEvolution
}

// recountLocked reconciles a theme's response_count with its live
// assignments. Caller holds the write lock.
func (s *MemoryStore) recountLocked(themeID int64) {
	t, ok := s.themes[themeID]
	if !ok {
		return
	}
	count := 0
	for _, a := range s.assignments {
		if a.ThemeID == themeID {
			count++
		}
	}
	t.ResponseCount = count
	s.themes[themeID] = t
}

func (s *MemoryStore) checkParent(parentID, childBatch int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parent, ok := s.themes[parentID]
	if !ok {
		return errors.Newf(errors.CodeIntegrityConflict, "parent theme %d does not exist", parentID)
	}
	if parent.CreatedAtBatch > childBatch {
		return errors.Newf(errors.CodeIntegrityConflict, "parent theme %d is newer than its child", parentID)
	}
	return nil
}

func cloneVec(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func cloneKeywords(ks []models.HighlightedKeyword) []models.HighlightedKeyword {
	if ks == nil {
		return nil
	}
	out := make([]models.HighlightedKeyword, len(ks))
	for i, k := range ks {
		out[i] = k
		out[i].Positions = append([]int(nil), k.Positions...)
	}
	return out
}

func cloneMeta(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTheme(t *models.Theme) models.Theme {
	c := *t
	c.Embedding = cloneVec(t.Embedding)
	c.Metadata = cloneMeta(t.Metadata)
	return c
}
