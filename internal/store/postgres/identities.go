package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-attendance/internal/recognize"
)

// IdentityRepository stores enrolled identities and their reference
// embeddings. The in-memory encoding store is rebuilt from here on startup.
type IdentityRepository struct {
	pool *Pool
}

// NewIdentityRepository creates a new PostgreSQL identity repository
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

// Save upserts the identity row and appends a reference embedding.
func (r *IdentityRepository) Save(ctx context.Context, identityID, displayName string, embedding []float32) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identities (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
	`, identityID, displayName)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identity_embeddings (identity_id, embedding, dim)
		VALUES ($1, $2, $3)
	`, identityID, pgvector.NewVector(embedding), len(embedding))
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit identity save: %w", err)
	}
	return nil
}

// List returns all identities with their embeddings, ordered by id.
func (r *IdentityRepository) List(ctx context.Context) ([]recognize.Identity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.id, i.display_name, e.embedding
		FROM identities i
		JOIN identity_embeddings e ON e.identity_id = i.id
		ORDER BY i.id, e.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var identities []recognize.Identity
	index := make(map[string]int)

	for rows.Next() {
		var id, displayName string
		var vec pgvector.Vector
		if err := rows.Scan(&id, &displayName, &vec); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}

		i, ok := index[id]
		if !ok {
			i = len(identities)
			index[id] = i
			identities = append(identities, recognize.Identity{
				ID:          id,
				DisplayName: displayName,
			})
		}
		identities[i].Embeddings = append(identities[i].Embeddings, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return identities, nil
}

// Delete removes an identity and its embeddings. Missing identities are a no-op.
func (r *IdentityRepository) Delete(ctx context.Context, identityID string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM identities WHERE id = $1", identityID); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

// Count returns the number of enrolled identities.
func (r *IdentityRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}
