package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmbeddingRepository stores vectors and serves similarity search. On
// Postgres search runs in the database via pgvector; on SQLite vectors are
// decoded and scored in Go.
type EmbeddingRepository struct {
	db     *sql.DB
	driver string
}

// NewEmbeddingRepository creates a new embedding repository.
func NewEmbeddingRepository(db *sql.DB, driver string) *EmbeddingRepository {
	return &EmbeddingRepository{db: db, driver: driver}
}

// Upsert writes a batch of embeddings in one transaction. Re-embedding an
// owner with the same model replaces the previous vector.
func (r *EmbeddingRepository) Upsert(ctx context.Context, embeddings []*Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range embeddings {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.CreatedAt = now
		if e.Dimension == 0 {
			e.Dimension = len(e.Vector)
		}

		_, err := tx.ExecContext(ctx, `
			DELETE FROM embeddings
			WHERE owner_kind = $1 AND owner_id = $2 AND model_name = $3
		`, e.OwnerKind, e.OwnerID, e.ModelName)
		if err != nil {
			return fmt.Errorf("replace embedding: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO embeddings (id, owner_kind, owner_id, model_name, dimension, vector, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.ID, e.OwnerKind, e.OwnerID, e.ModelName, e.Dimension,
			EncodeVector(e.Vector), e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
	}

	return tx.Commit()
}

// CoveredOwners reports which of the given owners already have an embedding
// under the model. The embedding stage uses it to embed only what is
// missing on re-runs.
func (r *EmbeddingRepository) CoveredOwners(ctx context.Context, kind OwnerKind, ownerIDs []uuid.UUID, model string) (map[uuid.UUID]bool, error) {
	covered := make(map[uuid.UUID]bool, len(ownerIDs))
	for _, id := range ownerIDs {
		var n int
		err := r.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM embeddings
			WHERE owner_kind = $1 AND owner_id = $2 AND model_name = $3
		`, kind, id, model).Scan(&n)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			covered[id] = true
		}
	}
	return covered, nil
}

// CountForOwners reports how many of the given owners already have an
// embedding under the model. Used by the indexing stage to verify coverage.
func (r *EmbeddingRepository) CountForOwners(ctx context.Context, kind OwnerKind, ownerIDs []uuid.UUID, model string) (int, error) {
	covered, err := r.CoveredOwners(ctx, kind, ownerIDs, model)
	if err != nil {
		return 0, err
	}
	return len(covered), nil
}

// Search returns the top-k owners most similar to the query vector under the
// given model, ordered by cosine similarity descending, ties broken by owner
// ID for a stable order.
func (r *EmbeddingRepository) Search(ctx context.Context, kind OwnerKind, model string, query []float32, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	if r.driver == DriverPostgres {
		return r.searchPostgres(ctx, kind, model, query, k)
	}
	return r.searchInMemory(ctx, kind, model, query, k)
}

func (r *EmbeddingRepository) searchPostgres(ctx context.Context, kind OwnerKind, model string, query []float32, k int) ([]SearchHit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT owner_id, 1 - (vector <=> $1::vector) AS similarity
		FROM embeddings
		WHERE owner_kind = $2 AND model_name = $3
		ORDER BY similarity DESC, owner_id
		LIMIT $4
	`, EncodeVector(query), kind, model, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		h := SearchHit{OwnerKind: kind, ModelName: model}
		if err := rows.Scan(&h.OwnerID, &h.Similarity); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// searchInMemory brute-forces cosine similarity over all stored vectors.
// Fine for development corpora; production runs on pgvector.
func (r *EmbeddingRepository) searchInMemory(ctx context.Context, kind OwnerKind, model string, query []float32, k int) ([]SearchHit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT owner_id, vector FROM embeddings
		WHERE owner_kind = $1 AND model_name = $2
	`, kind, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var ownerID uuid.UUID
		var encoded string
		if err := rows.Scan(&ownerID, &encoded); err != nil {
			return nil, err
		}
		vec, err := DecodeVector(encoded)
		if err != nil {
			return nil, err
		}
		hits = append(hits, SearchHit{
			OwnerKind:  kind,
			OwnerID:    ownerID,
			ModelName:  model,
			Similarity: CosineSimilarity(query, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].OwnerID.String() < hits[j].OwnerID.String()
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// EncodeVector serializes a vector to the pgvector text format, which also
// serves as the SQLite storage encoding.
func EncodeVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// DecodeVector parses the text encoding produced by EncodeVector.
func DecodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector %q", truncate(s, 32))
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return nil, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
