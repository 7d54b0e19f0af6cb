package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themeflow/themeflow/pkg/errors"
	"github.com/themeflow/themeflow/pkg/models"
	"github.com/themeflow/themeflow/pkg/observability"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	s := &PostgresStore{db: sqlxDB, ext: sqlxDB, logger: observability.NewNoopLogger()}
	return s, mock, func() {
		if closeErr := sqlxDB.Close(); closeErr != nil {
			t.Logf("failed to close mock db: %v", closeErr)
		}
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  string
		retryable bool
	}{
		{
			name:     "unique violation becomes conflict",
			err:      &pq.Error{Code: "23505"},
			wantCode: errors.CodeIntegrityConflict,
		},
		{
			name:     "foreign key violation becomes conflict",
			err:      &pq.Error{Code: "23503"},
			wantCode: errors.CodeIntegrityConflict,
		},
		{
			name:     "check violation becomes conflict",
			err:      &pq.Error{Code: "23514"},
			wantCode: errors.CodeIntegrityConflict,
		},
		{
			name:      "connection failure is transient",
			err:       &pq.Error{Code: "08006"},
			wantCode:  errors.CodeStoreUnavailable,
			retryable: true,
		},
		{
			name:     "context cancellation",
			err:      context.Canceled,
			wantCode: errors.CodeCancelled,
		},
		{
			name:      "plain error is store trouble",
			err:       stderrors.New("socket closed"),
			wantCode:  errors.CodeStoreUnavailable,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError("store.op", tt.err)
			require.Error(t, got)
			assert.Equal(t, tt.wantCode, errors.CodeOf(got))
			assert.Equal(t, tt.retryable, errors.IsTransient(got))
		})
	}

	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, mapError("store.op", nil))
	})

	t.Run("no rows becomes ErrNotFound", func(t *testing.T) {
		assert.ErrorIs(t, mapError("store.op", sql.ErrNoRows), ErrNotFound)
	})
}

func TestPostgresStorePutBatchMetadata(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO batch_metadata").
		WithArgs(int64(1), "q", 10, 2, 3, 0, 1.5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.PutBatchMetadata(context.Background(), &models.BatchMetadata{
		BatchID:        1,
		Question:       "q",
		TotalResponses: 10,
		NewThemes:      2,
		UpdatedThemes:  3,
		ProcessingTime: 1.5,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePutBatchMetadataDuplicate(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO batch_metadata").
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.PutBatchMetadata(context.Background(), &models.BatchMetadata{BatchID: 1, Question: "q"})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLastBatchID(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(42)))

	got, err := s.LastBatchID(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(42), got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePutAssignmentInsertRecounts(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("INSERT INTO theme_assignments").
		WithArgs(int64(10), int64(20), 0.9, []byte("[]"), int64(1), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "assigned_at_batch", "inserted"}).
			AddRow(int64(5), int64(1), true))
	mock.ExpectExec("UPDATE extracted_themes").
		WithArgs(int64(20)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := &models.Assignment{ResponseID: 10, ThemeID: 20, Confidence: 0.9, AssignedAtBatch: 1, LastUpdatedBatch: 1}
	err := s.PutAssignment(context.Background(), a)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePutAssignmentUpdateSkipsRecount(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("INSERT INTO theme_assignments").
		WillReturnRows(sqlmock.NewRows([]string{"id", "assigned_at_batch", "inserted"}).
			AddRow(int64(5), int64(1), false))

	a := &models.Assignment{ResponseID: 10, ThemeID: 20, Confidence: 0.95, AssignedAtBatch: 2, LastUpdatedBatch: 2}
	err := s.PutAssignment(context.Background(), a)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), a.AssignedAtBatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreFindSimilarThemes(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	cols := []string{
		"id", "name", "description", "embedding", "status", "created_at_batch",
		"last_updated_batch", "parent_theme_id", "response_count", "metadata",
		"created_at", "similarity",
	}
	now := time.Now()
	mock.ExpectQuery("SELECT id, name, description").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "parking", "parking woes", "[1,0,0]", "active",
				int64(1), int64(2), nil, 4, []byte(`{"k":"v"}`), now, 0.91))

	got, err := s.FindSimilarThemes(context.Background(), []float32{1, 0, 0}, 0.75, 3, models.ThemeStatusActive)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "parking", got[0].Theme.Name)
	assert.Equal(t, models.ThemeStatusActive, got[0].Theme.Status)
	assert.InDelta(t, 0.91, got[0].Similarity, 1e-9)
	assert.Len(t, got[0].Theme.Embedding, 3)
	assert.Equal(t, "v", got[0].Theme.Metadata["k"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCacheGetMiss(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT embedding::text FROM embedding_cache").
		WillReturnError(sql.ErrNoRows)

	vec, ok, err := s.CacheGet(context.Background(), "deadbeef")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, vec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreTransactCommits(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE extracted_themes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Transact(context.Background(), func(tx Store) error {
		return tx.RetireTheme(context.Background(), 1, 2, "no live assignments")
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreTransactRollsBackOnError(t *testing.T) {
	s, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE extracted_themes").
		WillReturnError(stderrors.New("disk full"))
	mock.ExpectRollback()

	err := s.Transact(context.Background(), func(tx Store) error {
		return tx.RetireTheme(context.Background(), 1, 2, "no live assignments")
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeStoreUnavailable, errors.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
