package postgres

import (
	"context"

	"github.com/lib/pq"

	"github.com/inkwell-pm/inkwell/internal/fault"
)

// UpsertEntityEmbedding stores the latest embedding vector for an entity,
// replacing any previous one regardless of model.
func (s *Store) UpsertEntityEmbedding(ctx context.Context, entityID, model string, vector []float32) error {
	if entityID == "" || model == "" {
		return fault.Validation("entityId and model are required")
	}
	if len(vector) == 0 {
		return fault.Validation("vector must not be empty",
			fault.Issue{Path: "vector", Message: "empty"})
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_embeddings (entity_id, model, dim, vector)
		VALUES ($1, $2, $3, $4::real[])
		ON CONFLICT (entity_id) DO UPDATE
		SET model = EXCLUDED.model, dim = EXCLUDED.dim, vector = EXCLUDED.vector,
			updated_at = now()`,
		entityID, model, len(vector), pq.Array(vector))
	if err != nil {
		return translateError(err, "upserting entity embedding")
	}
	return nil
}
