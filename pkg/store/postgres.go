package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/themeflow/themeflow/pkg/config"
	"github.com/themeflow/themeflow/pkg/errors"
	"github.com/themeflow/themeflow/pkg/models"
	"github.com/themeflow/themeflow/pkg/observability"
)

// PostgresStore implements Store on PostgreSQL with the pgvector extension.
// Similarity queries run through the `<=>` cosine distance operator so the
// ivfflat index is used.
type PostgresStore struct {
	db     *sqlx.DB
	ext    sqlx.ExtContext
	logger observability.Logger
}

// NewPostgresStore connects to the database and configures the pool.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, mapError("store.connect", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info("connected to postgres", map[string]interface{}{
		"max_open_conns": cfg.MaxOpenConns,
		"max_idle_conns": cfg.MaxIdleConns,
	})
	return &PostgresStore{db: db, ext: db, logger: logger}, nil
}

// mapError converts driver errors into the classified taxonomy. Constraint
// violations become integrity_conflict; everything else from the driver is
// store_unavailable.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.CodeCancelled, op)
	}
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "23503", "23514":
			return errors.Wrap(err, errors.CodeIntegrityConflict, op)
		}
	}
	return errors.Wrap(err, errors.CodeStoreUnavailable, op)
}

// vectorParam renders an embedding as a pgvector literal, normalizing first.
// Empty embeddings become NULL.
func vectorParam(vec []float32) interface{} {
	if len(vec) == 0 {
		return nil
	}
	return FormatVector(ensureUnit(vec))
}

func metadataParam(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

type responseRow struct {
	ID          int64          `db:"id"`
	BatchID     int64          `db:"batch_id"`
	Question    string         `db:"question"`
	Text        string         `db:"response_text"`
	Embedding   sql.NullString `db:"embedding"`
	ProcessedAt time.Time      `db:"processed_at"`
	Similarity  float64        `db:"similarity"`
}

func (r *responseRow) toModel() (*models.Response, error) {
	out := &models.Response{
		ID:          r.ID,
		BatchID:     r.BatchID,
		Question:    r.Question,
		Text:        r.Text,
		ProcessedAt: r.ProcessedAt,
	}
	if r.Embedding.Valid {
		vec, err := ParseVector(r.Embedding.String)
		if err != nil {
			return nil, err
		}
		out.Embedding = vec
	}
	return out, nil
}

type themeRow struct {
	ID               int64          `db:"id"`
	Name             string         `db:"name"`
	Description      string         `db:"description"`
	Embedding        sql.NullString `db:"embedding"`
	Status           string         `db:"status"`
	CreatedAtBatch   int64          `db:"created_at_batch"`
	LastUpdatedBatch int64          `db:"last_updated_batch"`
	ParentThemeID    sql.NullInt64  `db:"parent_theme_id"`
	ResponseCount    int            `db:"response_count"`
	Metadata         []byte         `db:"metadata"`
	CreatedAt        time.Time      `db:"created_at"`
	Similarity       float64        `db:"similarity"`
}

func (r *themeRow) toModel() (*models.Theme, error) {
	out := &models.Theme{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		Status:           models.ThemeStatus(r.Status),
		CreatedAtBatch:   r.CreatedAtBatch,
		LastUpdatedBatch: r.LastUpdatedBatch,
		ResponseCount:    r.ResponseCount,
		CreatedAt:        r.CreatedAt,
	}
	if r.Embedding.Valid {
		vec, err := ParseVector(r.Embedding.String)
		if err != nil {
			return nil, err
		}
		out.Embedding = vec
	}
	if r.ParentThemeID.Valid {
		id := r.ParentThemeID.Int64
		out.ParentThemeID = &id
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &out.Metadata); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type assignmentRow struct {
	ID               int64   `db:"id"`
	ResponseID       int64   `db:"response_id"`
	ThemeID          int64   `db:"theme_id"`
	Confidence       float64 `db:"confidence"`
	Keywords         []byte  `db:"highlighted_keywords"`
	AssignedAtBatch  int64   `db:"assigned_at_batch"`
	LastUpdatedBatch int64   `db:"last_updated_batch"`
}

func (r *assignmentRow) toModel() (*models.Assignment, error) {
	out := &models.Assignment{
		ID:               r.ID,
		ResponseID:       r.ResponseID,
		ThemeID:          r.ThemeID,
		Confidence:       r.Confidence,
		AssignedAtBatch:  r.AssignedAtBatch,
		LastUpdatedBatch: r.LastUpdatedBatch,
	}
	if len(r.Keywords) > 0 {
		if err := json.Unmarshal(r.Keywords, &out.Keywords); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type evolutionRow struct {
	ID                int64         `db:"id"`
	BatchID           int64         `db:"batch_id"`
	Action            string        `db:"action"`
	ThemeID           int64         `db:"theme_id"`
	RelatedThemeID    sql.NullInt64 `db:"related_theme_id"`
	Details           []byte        `db:"details"`
	AffectedResponses int           `db:"affected_response_count"`
	CreatedAt         time.Time     `db:"created_at"`
}

func (r *evolutionRow) toModel() (*models.EvolutionEntry, error) {
	out := &models.EvolutionEntry{
		ID:                r.ID,
		BatchID:           r.BatchID,
		Action:            models.EvolutionAction(r.Action),
		ThemeID:           r.ThemeID,
		AffectedResponses: r.AffectedResponses,
		CreatedAt:         r.CreatedAt,
	}
	if r.RelatedThemeID.Valid {
		id := r.RelatedThemeID.Int64
		out.RelatedThemeID = &id
	}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, &out.Details); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PutResponse inserts a response row and fills in its generated id.
func (s *PostgresStore) PutResponse(ctx context.Context, r *models.Response) error {
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = time.Now().UTC()
	}
	row := s.ext.QueryRowxContext(ctx, `
		INSERT INTO survey_responses (batch_id, question, response_text, embedding, processed_at)
		VALUES ($1, $2, $3, $4::vector, $5)
		RETURNING id`,
		r.BatchID, r.Question, r.Text, vectorParam(r.Embedding), r.ProcessedAt)
	if err := row.Scan(&r.ID); err != nil {
		return mapError("store.put_response", err)
	}
	return nil
}

// PutResponses inserts all responses in one transaction.
func (s *PostgresStore) PutResponses(ctx context.Context, rs []*models.Response) error {
	return s.Transact(ctx, func(tx Store) error {
		for _, r := range rs {
			if err := tx.PutResponse(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetResponse returns the response with the given id.
func (s *PostgresStore) GetResponse(ctx context.Context, id int64) (*models.Response, error) {
	var row responseRow
	err := sqlx.GetContext(ctx, s.ext, &row, `
		SELECT id, batch_id, question, response_text, embedding::text AS embedding, processed_at, 0::float8 AS similarity
		FROM survey_responses WHERE id = $1`, id)
	if err != nil {
		return nil, mapError("store.get_response", err)
	}
	out, err := row.toModel()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStoreUnavailable, "store.get_response")
	}
	return out, nil
}

// ResponsesForBatch returns every response of a batch ordered by id.
func (s *PostgresStore) ResponsesForBatch(ctx context.Context, batchID int64) ([]*models.Response, error) {
	var rows []responseRow
	err := sqlx.SelectContext(ctx, s.ext, &rows, `
		SELECT id, batch_id, question, response_text, embedding::text AS embedding, processed_at, 0::float8 AS similarity
		FROM survey_responses WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, mapError("store.responses_for_batch", err)
	}
	out := make([]*models.Response, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStoreUnavailable, "store.responses_for_batch")
		}
		out = append(out, m)
	}
	return out, nil
}

// FindSimilarResponses returns responses ordered by cosine similarity.
func (s *PostgresStore) FindSimilarResponses(ctx context.Context, vec []float32, minCos float64, k int) ([]ResponseMatch, error) {
	var limit interface{}
	if k > 0 {
		limit = k
	}
	var rows []responseRow
	err := sqlx.SelectContext(ctx, s.ext, &rows, `
		SELECT id, batch_id, question, response_text, embedding::text AS embedding, processed_at,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM survey_responses
		WHERE embedding IS NOT NULL
		  AND 1 - (embedding <=> $1::vector) >= $2
		ORDER BY embedding <=> $1::vector, id
		LIMIT $3`, FormatVector(vec), minCos, limit)
	if err != nil {
		return nil, mapError("store.find_similar_responses", err)
	}
	out := make([]ResponseMatch, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStoreUnavailable, "store.find_similar_responses")
		}
		out = append(out, ResponseMatch{Response: m, Similarity: rows[i].Similarity})
	}
	return out, nil
}

// PutTheme inserts a theme row and fills in its generated id and created_at.
func (s *PostgresStore) PutTheme(ctx context.Context, t *models.Theme) error {
	if t.Status == "" {
		t.Status = models.ThemeStatusActive
	}
	meta, err := metadataParam(t.Metadata)
	if err != nil {
		return errors.Wrap(err, errors.CodeStoreUnavailable, "store.put_theme")
	}
	row := s.ext.QueryRowxContext(ctx, `
		INSERT INTO extracted_themes (name, description, embedding, status, created_at_batch,
		                    last_updated_batch, parent_theme_id, response_count, metadata)
		VALUES ($1, $2, $3::vector, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		t.Name, t.Description, vectorParam(t.Embedding), string(t.Status),
		t.CreatedAtBatch, t.LastUpdatedBatch, t.ParentThemeID, t.ResponseCount, meta)
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		return mapError("store.put_theme", err)
	}
	return nil
}

// UpdateTheme overwrites the mutable fields of a theme row.
func (s *PostgresStore) UpdateTheme(ctx context.Context, t *models.Theme) error {
	meta, err := metadataParam(t.Metadata)
	if err != nil {
		return errors.Wrap(err, errors.CodeStoreUnavailable, "store.update_theme")
	}
	res, err := s.ext.ExecContext(ctx, `
		UPDATE extracted_themes
		SET name = $2, description = $3, embedding = $4::vector, status = $5,
		    last_updated_batch = $6, parent_theme_id = $7, response_count = $8, metadata = $9
		WHERE id = $1`,
		t.ID, t.Name, t.Description, vectorParam(t.Embedding), string(t.Status),
		t.LastUpdatedBatch, t.ParentThemeID, t.ResponseCount, meta)
	if err != nil {
		return mapError("store.update_theme", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTheme returns the theme with the given id.
func (s *PostgresStore) GetTheme(ctx context.Context, id int64) (*models.Theme, error) {
	var row themeRow
	err := sqlx.GetContext(ctx, s.ext, &row, `
		SELECT id, name, description, embedding::text AS embedding, status, created_at_batch,
		       last_updated_batch, parent_theme_id, response_count, metadata, created_at,
		       0::float8 AS similarity
		FROM extracted_themes WHERE id = $1`, id)
	if err != nil {
		return nil, mapError("store.get_theme", err)
	}
	out, err := row.toModel()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStoreUnavailable, "store.get_theme")
	}
	return out, nil
}

// ThemesByStatus returns every theme in the given status ordered by id.
func (s *PostgresStore) ThemesByStatus(ctx context.Context, status models.ThemeStatus) ([]*models.Theme, error) {
	var rows []themeRow
	err := sqlx.SelectContext(ctx, s.ext, &rows, `
		SELECT id, name, description, embedding::text AS embedding, status, created_at_batch,
		       last_updated_batch, parent_theme_id, response_count, metadata, created_at,
		       0::float8 AS similarity
		FROM extracted_themes WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, mapError("store.themes_by_status", err)
	}
	out := make([]*models.Theme, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStoreUnavailable, "store.themes_by_status")
		}
		out = append(out, m)
	}
	return out, nil
}

// RetireTheme marks a theme retired and records the reason in its metadata.
func (s *PostgresStore) RetireTheme(ctx context.Context, id int64, batchID int64, reason string) error {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE extracted_themes
		SET status = 'retired', last_updated_batch = $2,
		    metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('retire_reason', $3::text)
		WHERE id = $1`, id, batchID, reason)
	if err != nil {
		return mapError("store.retire_theme", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindSimilarThemes returns themes in the given status ordered by cosine
// similarity to vec, highest first.
func (s *PostgresStore) FindSimilarThemes(ctx context.Context, vec []float32, minCos float64, k int, status models.ThemeStatus) ([]ThemeMatch, error) {
	var limit interface{}
	if k > 0 {
		limit = k
	}
	var rows []themeRow
	err := sqlx.SelectContext(ctx, s.ext, &rows, `
		SELECT id, name, description, embedding::text AS embedding, status, created_at_batch,
		       last_updated_batch, parent_theme_id, response_count, metadata, created_at,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM extracted_themes
		WHERE status = $2 AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $1::vector) >= $3
		ORDER BY embedding <=> $1::vector, id
		LIMIT $4`, FormatVector(vec), string(status), minCos, limit)
	if err != nil {
		return nil, mapError("store.find_similar_themes", err)
	}
	out := make([]ThemeMatch, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStoreUnavailable, "store.find_similar_themes")
		}
		out = append(out, ThemeMatch{Theme: m, Similarity: rows[i].Similarity})
	}
	return out, nil
}

// PutAssignment upserts on (response_id, theme_id) and reconciles the theme's
// response_count when a new row was created.
func (s *PostgresStore) PutAssignment(ctx context.Context, a *models.Assignment) error {
	keywords := []byte("[]")
	if len(a.Keywords) > 0 {
		b, err := json.Marshal(a.Keywords)
		if err != nil {
			return errors.Wrap(err, errors.CodeStoreUnavailable, "store.put_assignment")
		}
		keywords = b
	}
	var inserted bool
	row := s.ext.QueryRowxContext(ctx, `
		INSERT INTO theme_assignments (response_id, theme_id, confidence, highlighted_keywords,
		                               assigned_at_batch, last_updated_batch)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (response_id, theme_id) DO UPDATE
		SET confidence = EXCLUDED.confidence,
		    highlighted_keywords = EXCLUDED.highlighted_keywords,
		    last_updated_batch = EXCLUDED.last_updated_batch
		RETURNING id, assigned_at_batch, (xmax = 0) AS inserted`,
		a.ResponseID, a.ThemeID, a.Confidence, keywords, a.AssignedAtBatch, a.LastUpdatedBatch)
	if err := row.Scan(&a.ID, &a.AssignedAtBatch, &inserted); err != nil {
		return mapError("store.put_assignment", err)
	}
	if inserted {
		if err := s.recountTheme(ctx, a.ThemeID); err != nil {
			return err
		}
	}
	return nil
}

// AssignmentsForTheme returns the assignments of a theme ordered by id.
func (s *PostgresStore) AssignmentsForTheme(ctx context.Context, themeID int64) ([]*models.Assignment, error) {
	return s.selectAssignments(ctx, `
		SELECT id, response_id, theme_id, confidence, highlighted_keywords,
		       assigned_at_batch, last_updated_batch
		FROM theme_assignments WHERE theme_id = $1 ORDER BY id`, themeID)
}

// AssignmentsForResponse returns the assignments of a response ordered by id.
func (s *PostgresStore) AssignmentsForResponse(ctx context.Context, responseID int64) ([]*models.Assignment, error) {
	return s.selectAssignments(ctx, `
		SELECT id, response_id, theme_id, confidence, highlighted_keywords,
		       assigned_at_batch, last_updated_batch
		FROM theme_assignments WHERE response_id = $1 ORDER BY id`, responseID)
}

func (s *PostgresStore) selectAssignments(ctx context.Context, query string, arg int64) ([]*models.Assignment, error) {
	var rows []assignmentRow
	if err := sqlx.SelectContext(ctx, s.ext, &rows, query, arg); err != nil {
		return nil, mapError("store.select_assignments", err)
	}
	out := make([]*models.Assignment, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStoreUnavailable, "store.select_assignments")
		}
		out = append(out, m)
	}
	return out, nil
}

// RewriteAssignments repoints every assignment of fromTheme at toTheme inside
// one transaction. Rows that would duplicate an existing (response, toTheme)
// pair are deleted instead of moved.
func (s *PostgresStore) RewriteAssignments(ctx context.Context, fromTheme, toTheme, batchID int64) (int, error) {
	var affected int
	err := s.Transact(ctx, func(tx Store) error {
		ps := tx.(*PostgresStore)

		res, err := ps.ext.ExecContext(ctx, `
			DELETE FROM theme_assignments a
			WHERE a.theme_id = $1
			  AND EXISTS (SELECT 1 FROM theme_assignments b
			              WHERE b.response_id = a.response_id AND b.theme_id = $2)`,
			fromTheme, toTheme)
		if err != nil {
			return mapError("store.rewrite_assignments", err)
		}
		collapsed, _ := res.RowsAffected()

		res, err = ps.ext.ExecContext(ctx, `
			UPDATE theme_assignments
			SET theme_id = $2, last_updated_batch = $3
			WHERE theme_id = $1`, fromTheme, toTheme, batchID)
		if err != nil {
			return mapError("store.rewrite_assignments", err)
		}
		moved, _ := res.RowsAffected()

		affected = int(collapsed + moved)
		if err := ps.recountTheme(ctx, fromTheme); err != nil {
			return err
		}
		return ps.recountTheme(ctx, toTheme)
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// ReassignResponses is RewriteAssignments restricted to the listed responses.
func (s *PostgresStore) ReassignResponses(ctx context.Context, fromTheme, toTheme, batchID int64, responseIDs []int64) (int, error) {
	if len(responseIDs) == 0 {
		return 0, nil
	}
	var affected int
	err := s.Transact(ctx, func(tx Store) error {
		ps := tx.(*PostgresStore)

		res, err := ps.ext.ExecContext(ctx, `
			DELETE FROM theme_assignments a
			WHERE a.theme_id = $1
			  AND a.response_id = ANY($3)
			  AND EXISTS (SELECT 1 FROM theme_assignments b
			              WHERE b.response_id = a.response_id AND b.theme_id = $2)`,
			fromTheme, toTheme, pq.Array(responseIDs))
		if err != nil {
			return mapError("store.reassign_responses", err)
		}
		collapsed, _ := res.RowsAffected()

		res, err = ps.ext.ExecContext(ctx, `
			UPDATE theme_assignments
			SET theme_id = $2, last_updated_batch = $3
			WHERE theme_id = $1 AND response_id = ANY($4)`,
			fromTheme, toTheme, batchID, pq.Array(responseIDs))
		if err != nil {
			return mapError("store.reassign_responses", err)
		}
		moved, _ := res.RowsAffected()

		affected = int(collapsed + moved)
		if err := ps.recountTheme(ctx, fromTheme); err != nil {
			return err
		}
		return ps.recountTheme(ctx, toTheme)
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// recountTheme reconciles response_count with the assignment table.
func (s *PostgresStore) recountTheme(ctx context.Context, themeID int64) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE extracted_themes
		SET response_count = (SELECT COUNT(*) FROM theme_assignments WHERE theme_id = $1)
		WHERE id = $1`, themeID)
	if err != nil {
		return mapError("store.recount_theme", err)
	}
	return nil
}

// AppendEvolution appends an entry to the evolution log.
func (s *PostgresStore) AppendEvolution(ctx context.Context, e *models.EvolutionEntry) error {
	var details interface{}
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return errors.Wrap(err, errors.CodeStoreUnavailable, "store.append_evolution")
		}
		details = b
	}
	row := s.ext.QueryRowxContext(ctx, `
		INSERT INTO theme_evolution_log (batch_id, action, theme_id, related_theme_id, details,
		                             affected_response_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.BatchID, string(e.Action), e.ThemeID, e.RelatedThemeID, details, e.AffectedResponses)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return mapError("store.append_evolution", err)
	}
	return nil
}

// EvolutionForBatch returns the log entries of a batch in append order.
func (s *PostgresStore) EvolutionForBatch(ctx context.Context, batchID int64) ([]*models.EvolutionEntry, error) {
	return s.selectEvolution(ctx, `
		SELECT id, batch_id, action, theme_id, related_theme_id, details,
		       affected_response_count, created_at
		FROM theme_evolution_log WHERE batch_id = $1 ORDER BY id`, batchID)
}

// EvolutionForTheme returns the log entries that reference a theme.
func (s *PostgresStore) EvolutionForTheme(ctx context.Context, themeID int64) ([]*models.EvolutionEntry, error) {
	return s.selectEvolution(ctx, `
		SELECT id, batch_id, action, theme_id, related_theme_id, details,
		       affected_response_count, created_at
		FROM theme_evolution_log WHERE theme_id = $1 OR related_theme_id = $1 ORDER BY id`, themeID)
}

func (s *PostgresStore) selectEvolution(ctx context.Context, query string, arg int64) ([]*models.EvolutionEntry, error) {
	var rows []evolutionRow
	if err := sqlx.SelectContext(ctx, s.ext, &rows, query, arg); err != nil {
		return nil, mapError("store.select_evolution", err)
	}
	out := make([]*models.EvolutionEntry, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStoreUnavailable, "store.select_evolution")
		}
		out = append(out, m)
	}
	return out, nil
}

// PutBatchMetadata inserts the batch row. The primary key on batch_id turns
// reprocessing into an integrity_conflict.
func (s *PostgresStore) PutBatchMetadata(ctx context.Context, m *models.BatchMetadata) error {
	if m.ProcessedAt.IsZero() {
		m.ProcessedAt = time.Now().UTC()
	}
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO batch_metadata (batch_id, question, total_responses, new_themes_count,
		                            updated_themes_count, deleted_themes_count,
		                            processing_time_seconds, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.BatchID, m.Question, m.TotalResponses, m.NewThemes, m.UpdatedThemes,
		m.RetiredThemes, m.ProcessingTime, m.ProcessedAt)
	if err != nil {
		return mapError("store.put_batch_metadata", err)
	}
	return nil
}

// LastBatchID returns the highest processed batch id, or 0.
func (s *PostgresStore) LastBatchID(ctx context.Context) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, s.ext, &id, `SELECT COALESCE(MAX(batch_id), 0) FROM batch_metadata`)
	if err != nil {
		return 0, mapError("store.last_batch_id", err)
	}
	return id, nil
}

// CacheGet returns the cached vector for a content hash.
func (s *PostgresStore) CacheGet(ctx context.Context, hash string) ([]float32, bool, error) {
	var raw string
	err := sqlx.GetContext(ctx, s.ext, &raw, `
		SELECT embedding::text FROM embedding_cache WHERE text_hash = $1`, hash)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, mapError("store.cache_get", err)
	}
	vec, err := ParseVector(raw)
	if err != nil {
		return nil, false, errors.Wrap(err, errors.CodeStoreUnavailable, "store.cache_get")
	}
	return vec, true, nil
}

// CachePut stores a vector under its content hash; existing entries are kept.
func (s *PostgresStore) CachePut(ctx context.Context, hash string, vec []float32, model string) error {
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO embedding_cache (text_hash, embedding, model_name)
		VALUES ($1, $2::vector, $3)
		ON CONFLICT (text_hash) DO NOTHING`, hash, FormatVector(vec), model)
	if err != nil {
		return mapError("store.cache_put", err)
	}
	return nil
}

type statsRow struct {
	ActiveThemes     int   `db:"active_themes"`
	MergedThemes     int   `db:"merged_themes"`
	SplitThemes      int   `db:"split_themes"`
	RetiredThemes    int   `db:"retired_themes"`
	TotalResponses   int   `db:"total_responses"`
	TotalAssignments int   `db:"total_assignments"`
	CacheEntries     int   `db:"cache_entries"`
	LastBatchID      int64 `db:"last_batch_id"`
}

// Stats summarizes the stored catalog in one round trip.
func (s *PostgresStore) Stats(ctx context.Context) (*models.CatalogStats, error) {
	var row statsRow
	err := sqlx.GetContext(ctx, s.ext, &row, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'active')  AS active_themes,
			COUNT(*) FILTER (WHERE status = 'merged')  AS merged_themes,
			COUNT(*) FILTER (WHERE status = 'split')   AS split_themes,
			COUNT(*) FILTER (WHERE status = 'retired') AS retired_themes,
			(SELECT COUNT(*) FROM survey_responses)    AS total_responses,
			(SELECT COUNT(*) FROM theme_assignments)   AS total_assignments,
			(SELECT COUNT(*) FROM embedding_cache)     AS cache_entries,
			(SELECT COALESCE(MAX(batch_id), 0) FROM batch_metadata) AS last_batch_id
		FROM extracted_themes`)
	if err != nil {
		return nil, mapError("store.stats", err)
	}
	return &models.CatalogStats{
		ActiveThemes:     row.ActiveThemes,
		MergedThemes:     row.MergedThemes,
		SplitThemes:      row.SplitThemes,
		RetiredThemes:    row.RetiredThemes,
		TotalResponses:   row.TotalResponses,
		TotalAssignments: row.TotalAssignments,
		CacheEntries:     row.CacheEntries,
		LastBatchID:      row.LastBatchID,
	}, nil
}

// Transact begins a transaction and runs fn against a store bound to it.
// A store already bound to a transaction reuses it.
func (s *PostgresStore) Transact(ctx context.Context, fn func(Store) error) error {
	if _, bound := s.ext.(*sqlx.Tx); bound {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError("store.begin_tx", err)
	}
	txStore := &PostgresStore{db: s.db, ext: tx, logger: s.logger}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("transaction rollback failed", map[string]interface{}{
				"error": rbErr.Error(),
			})
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError("store.commit_tx", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
