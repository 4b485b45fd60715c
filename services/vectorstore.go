package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/7-4-7/Deep-Image-Retreival/models"
)

// StoreError wraps a vector database failure. Push-stage callers treat it as
// atomic-or-failed and may retry: upsert is idempotent by key.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("vector store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Match is one query result, best-similarity first. Stored vector values are
// intentionally not returned.
type Match struct {
	ID        string
	Captions  []string
	ImagePath string
	Score     float64
}

// VectorStore is a pgvector-backed client presenting the external vector
// database contract: idempotent index creation, upsert by key, namespaced
// cosine top-k. The store is bound to one index at construction; the index
// name determines the postgres table all three operations hit.
type VectorStore struct {
	db    *gorm.DB
	table string
	log   *slog.Logger
}

func NewVectorStore(db *gorm.DB, indexName string, logger *slog.Logger) *VectorStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorStore{db: db, table: tableName(indexName), log: logger}
}

// tableName maps an index name onto a safe postgres identifier. The result is
// interpolated into DDL and queries, so anything outside [a-z0-9_] is folded
// to an underscore.
func tableName(indexName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(indexName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "image_vectors"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}

// EnsureIndex creates the vector extension, the record table, and an HNSW
// cosine index if absent. Safe to call on every ingest run. Only the cosine
// metric is supported; the table's column dimension is fixed at
// models.EmbeddingDim.
func (s *VectorStore) EnsureIndex(ctx context.Context, dimension int, metric string) error {
	if metric != "cosine" {
		return &StoreError{Op: "ensure index", Err: fmt.Errorf("unsupported metric %q", metric)}
	}
	if dimension != models.EmbeddingDim {
		return &StoreError{Op: "ensure index", Err: fmt.Errorf("unsupported dimension %d, store is built for %d", dimension, models.EmbeddingDim)}
	}

	db := s.db.WithContext(ctx)
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return &StoreError{Op: "ensure index", Err: err}
	}
	if err := db.Table(s.table).AutoMigrate(&models.ImageVector{}); err != nil {
		return &StoreError{Op: "ensure index", Err: err}
	}
	if err := db.Exec(fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s USING hnsw (embedding vector_cosine_ops)",
		s.table, s.table,
	)).Error; err != nil {
		return &StoreError{Op: "ensure index", Err: err}
	}
	s.log.Debug("vector index ready", "table", s.table)
	return nil
}

// Upsert writes records, overwriting by (id, namespace). The whole call
// either succeeds or fails; gorm issues a single multi-row insert.
func (s *VectorStore) Upsert(ctx context.Context, records []models.ImageVector) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Table(s.table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "namespace"}},
		UpdateAll: true,
	}).Create(&records).Error
	if err != nil {
		return &StoreError{Op: "upsert", Err: err}
	}
	s.log.Info("upserted vectors", "count", len(records), "table", s.table)
	return nil
}

// Query returns up to k nearest neighbors in a namespace by cosine
// similarity, descending. pgvector's <=> operator is cosine distance, so the
// exposed score is 1 - distance.
func (s *VectorStore) Query(ctx context.Context, vector []float32, k int, namespace string) ([]Match, error) {
	var rows []struct {
		ID        string
		Captions  string
		ImagePath string
		Score     float64
	}

	qv := pgvector.NewVector(vector)
	err := s.db.WithContext(ctx).Raw(fmt.Sprintf(
		`SELECT id, captions, image_path, 1 - (embedding <=> ?) AS score
		 FROM %s
		 WHERE namespace = ?
		 ORDER BY embedding <=> ?
		 LIMIT ?`, s.table),
		qv, namespace, qv, k,
	).Scan(&rows).Error
	if err != nil {
		return nil, &StoreError{Op: "query", Err: err}
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		var captions []string
		if row.Captions != "" {
			if err := json.Unmarshal([]byte(row.Captions), &captions); err != nil {
				s.log.Warn("unreadable captions metadata", "id", row.ID, "error", err)
			}
		}
		matches = append(matches, Match{
			ID:        row.ID,
			Captions:  captions,
			ImagePath: row.ImagePath,
			Score:     row.Score,
		})
	}
	return matches, nil
}
