// Package store owns every persisted row of the theme catalog: responses,
// themes, assignments, the append-only evolution log, batch metadata, and the
// content-addressed embedding cache. All catalog mutation funnels through a
// Store; other components hold only in-memory copies within a batch.
package store

import (
	"context"
	stderrors "errors"

	"github.com/themeflow/themeflow/pkg/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = stderrors.New("record not found")
)

// ThemeMatch is a theme returned by a similarity query, with the similarity
// as a first-class field.
type ThemeMatch struct {
	Theme      *models.Theme
	Similarity float64
}

// ResponseMatch is a response returned by a similarity query.
type ResponseMatch struct {
	Response   *models.Response
	Similarity float64
}

// Store is the durable catalog. Implementations guarantee that every stored
// embedding is L2-normalized (the zero vector for empty input excepted) and
// that response_count always equals the number of live assignments.
type Store interface {
	// Responses. Rows are immutable once written.
	PutResponse(ctx context.Context, r *models.Response) error
	PutResponses(ctx context.Context, rs []*models.Response) error
	GetResponse(ctx context.Context, id int64) (*models.Response, error)
	ResponsesForBatch(ctx context.Context, batchID int64) ([]*models.Response, error)
	FindSimilarResponses(ctx context.Context, vec []float32, minCos float64, k int) ([]ResponseMatch, error)

	// Themes.
	PutTheme(ctx context.Context, t *models.Theme) error
	UpdateTheme(ctx context.Context, t *models.Theme) error
	GetTheme(ctx context.Context, id int64) (*models.Theme, error)
	ThemesByStatus(ctx context.Context, status models.ThemeStatus) ([]*models.Theme, error)
	RetireTheme(ctx context.Context, id int64, batchID int64, reason string) error
	FindSimilarThemes(ctx context.Context, vec []float32, minCos float64, k int, status models.ThemeStatus) ([]ThemeMatch, error)

	// Assignments. PutAssignment upserts on (response_id, theme_id).
	PutAssignment(ctx context.Context, a *models.Assignment) error
	AssignmentsForTheme(ctx context.Context, themeID int64) ([]*models.Assignment, error)
	AssignmentsForResponse(ctx context.Context, responseID int64) ([]*models.Assignment, error)
	// RewriteAssignments atomically repoints every assignment of fromTheme at
	// toTheme, deleting rows that would duplicate an existing
	// (response, toTheme) pair, and reconciles both response counts.
	// It returns the number of assignments moved or collapsed.
	RewriteAssignments(ctx context.Context, fromTheme, toTheme, batchID int64) (int, error)
	// ReassignResponses is RewriteAssignments restricted to the listed
	// responses. Splits use it to route each cluster at its own child.
	ReassignResponses(ctx context.Context, fromTheme, toTheme, batchID int64, responseIDs []int64) (int, error)

	// Evolution log. Append-only.
	AppendEvolution(ctx context.Context, e *models.EvolutionEntry) error
	EvolutionForBatch(ctx context.Context, batchID int64) ([]*models.EvolutionEntry, error)
	EvolutionForTheme(ctx context.Context, themeID int64) ([]*models.EvolutionEntry, error)

	// Batch metadata. The primary key on batch_id is the monotonic guard:
	// inserting a processed batch id fails with integrity_conflict.
	PutBatchMetadata(ctx context.Context, m *models.BatchMetadata) error
	LastBatchID(ctx context.Context) (int64, error)

	// Embedding cache, keyed by 64-hex SHA-256 of the model-prefixed input.
	// Entries are immutable; CachePut on an existing hash is a no-op.
	CacheGet(ctx context.Context, hash string) ([]float32, bool, error)
	CachePut(ctx context.Context, hash string, vec []float32, model string) error

	Stats(ctx context.Context) (*models.CatalogStats, error)

	// Transact runs fn against a transactional view of the store. If fn
	// returns an error, every mutation made through that view rolls back
	// together.
	Transact(ctx context.Context, fn func(Store) error) error

	Close() error
}
