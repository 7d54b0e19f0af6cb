// Package models defines the core entities of the theme evolution engine:
// survey responses, themes, assignments, evolution log entries, and the
// per-batch bookkeeping types shared by every component.
package models

import "time"

// ThemeStatus is the lifecycle state of a theme. Only active themes
// participate in matching.
type ThemeStatus string

const (
	ThemeStatusActive  ThemeStatus = "active"
	ThemeStatusMerged  ThemeStatus = "merged"
	ThemeStatusSplit   ThemeStatus = "split"
	ThemeStatusRetired ThemeStatus = "retired"
)

// Valid reports whether s is one of the recognized lifecycle states.
func (s ThemeStatus) Valid() bool {
	switch s {
	case ThemeStatusActive, ThemeStatusMerged, ThemeStatusSplit, ThemeStatusRetired:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
// Themes never resurrect: merged, split and retired are all terminal.
func (s ThemeStatus) Terminal() bool {
	return s.Valid() && s != ThemeStatusActive
}

// EvolutionAction identifies what happened to a theme in a batch.
type EvolutionAction string

const (
	ActionCreated    EvolutionAction = "created"
	ActionUpdated    EvolutionAction = "updated"
	ActionMerged     EvolutionAction = "merged"
	ActionSplit      EvolutionAction = "split"
	ActionRetired    EvolutionAction = "retired"
	ActionReassigned EvolutionAction = "reassigned"
)

// Response is a single survey answer. Rows are immutable after ingestion;
// the embedding is written atomically with the text and never changes.
type Response struct {
	ID          int64     `json:"id" db:"id"`
	BatchID     int64     `json:"batch_id" db:"batch_id"`
	Question    string    `json:"question" db:"question"`
	Text        string    `json:"response_text" db:"response_text"`
	Embedding   []float32 `json:"-"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}

// Theme is a named cluster in the living catalog. The embedding is a unit
// vector in the same space as response embeddings, derived from
// "name: description".
type Theme struct {
	ID               int64                  `json:"id" db:"id"`
	Name             string                 `json:"name" db:"name"`
	Description      string                 `json:"description" db:"description"`
	Embedding        []float32              `json:"-"`
	Status           ThemeStatus            `json:"status" db:"status"`
	CreatedAtBatch   int64                  `json:"created_at_batch" db:"created_at_batch"`
	LastUpdatedBatch int64                  `json:"last_updated_batch" db:"last_updated_batch"`
	ParentThemeID    *int64                 `json:"parent_theme_id,omitempty" db:"parent_theme_id"`
	ResponseCount    int                    `json:"response_count" db:"response_count"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
}

// Live reports whether the theme participates in matching.
func (t *Theme) Live() bool {
	return t.Status == ThemeStatusActive
}

// HighlightedKeyword is a phrase inside a response whose embedding explains
// part of the response's similarity to a theme. Positions are the offsets of
// every occurrence of the phrase in the lowercased response text.
type HighlightedKeyword struct {
	Keyword   string  `json:"keyword"`
	Score     float64 `json:"score"`
	Positions []int   `json:"positions"`
}

// Assignment links a response to a theme. The (ResponseID, ThemeID) pair is
// unique; merges and splits rewrite the theme pointer rather than delete.
type Assignment struct {
	ID               int64                `json:"id" db:"id"`
	ResponseID       int64                `json:"response_id" db:"response_id"`
	ThemeID          int64                `json:"theme_id" db:"theme_id"`
	Confidence       float64              `json:"confidence" db:"confidence"`
	Keywords         []HighlightedKeyword `json:"highlighted_keywords"`
	AssignedAtBatch  int64                `json:"assigned_at_batch" db:"assigned_at_batch"`
	LastUpdatedBatch int64                `json:"last_updated_batch" db:"last_updated_batch"`
}

// EvolutionEntry is one append-only record of a catalog mutation.
type EvolutionEntry struct {
	ID                int64                  `json:"id" db:"id"`
	BatchID           int64                  `json:"batch_id" db:"batch_id"`
	Action            EvolutionAction        `json:"action" db:"action"`
	ThemeID           int64                  `json:"theme_id" db:"theme_id"`
	RelatedThemeID    *int64                 `json:"related_theme_id,omitempty" db:"related_theme_id"`
	Details           map[string]interface{} `json:"details,omitempty"`
	AffectedResponses int                    `json:"affected_response_count" db:"affected_response_count"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
}

// BatchMetadata is the per-batch bookkeeping row. Its primary key on BatchID
// is the monotonic processing guard: reprocessing a batch id fails.
type BatchMetadata struct {
	BatchID        int64     `json:"batch_id" db:"batch_id"`
	Question       string    `json:"question" db:"question"`
	TotalResponses int       `json:"total_responses" db:"total_responses"`
	NewThemes      int       `json:"new_themes_count" db:"new_themes_count"`
	UpdatedThemes  int       `json:"updated_themes_count" db:"updated_themes_count"`
	RetiredThemes  int       `json:"deleted_themes_count" db:"deleted_themes_count"`
	ProcessingTime float64   `json:"processing_time_seconds" db:"processing_time_seconds"`
	ProcessedAt    time.Time `json:"processed_at" db:"processed_at"`
}

// Batch is the unit of input: an ordered set of responses sharing a question.
type Batch struct {
	ID        int64    `json:"batch_id"`
	Question  string   `json:"question"`
	Responses []string `json:"responses"`
}

// BatchResult is the outcome of processing one batch.
type BatchResult struct {
	BatchID        int64            `json:"batch_id"`
	Question       string           `json:"question"`
	ProcessingTime float64          `json:"processing_time_seconds"`
	TotalResponses int              `json:"total_responses"`
	ThemesCreated  int              `json:"themes_created"`
	ThemesUpdated  int              `json:"themes_updated"`
	ThemesDeleted  int              `json:"themes_deleted"`
	Evolution      []EvolutionEntry `json:"evolution,omitempty"`
}

// CatalogStats is a point-in-time summary of the stored catalog.
type CatalogStats struct {
	ActiveThemes     int   `json:"active_themes"`
	MergedThemes     int   `json:"merged_themes"`
	SplitThemes      int   `json:"split_themes"`
	RetiredThemes    int   `json:"retired_themes"`
	TotalResponses   int   `json:"total_responses"`
	TotalAssignments int   `json:"total_assignments"`
	CacheEntries     int   `json:"cache_entries"`
	LastBatchID      int64 `json:"last_batch_id"`
}
