package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/inkwell-pm/inkwell/internal/eventbus"
	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/types"
)

type relationshipRow struct {
	ID        string    `db:"id"`
	SourceID  string    `db:"source_id"`
	TargetID  string    `db:"target_id"`
	Type      string    `db:"type"`
	Metadata  []byte    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *relationshipRow) toDomain() (*types.Relationship, error) {
	rel := &types.Relationship{
		ID:        r.ID,
		SourceID:  r.SourceID,
		TargetID:  r.TargetID,
		Type:      types.RelationshipType(r.Type),
		CreatedAt: r.CreatedAt,
	}
	if len(r.Metadata) > 0 && string(r.Metadata) != "null" {
		if err := unmarshalJSONB(r.Metadata, &rel.Metadata); err != nil {
			return nil, err
		}
	}
	return rel, nil
}

const relationshipColumns = `id, source_id, target_id, type, metadata, created_at`

// AddRelationship inserts a directed labelled edge. Re-adding an existing
// (source, target, type) edge returns the stored edge unchanged, so callers
// that replay after a retry do not fail.
func (s *Store) AddRelationship(ctx context.Context, rel *types.Relationship) (*types.Relationship, error) {
	var out *types.Relationship
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.AddRelationship(ctx, rel)
		return err
	})
	return out, err
}

func (t *pgTx) AddRelationship(ctx context.Context, rel *types.Relationship) (*types.Relationship, error) {
	if err := rel.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	var meta []byte
	if len(rel.Metadata) > 0 {
		var err error
		if meta, err = marshalJSONB(rel.Metadata); err != nil {
			return nil, err
		}
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO entity_relationships (id, source_id, target_id, type, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id, target_id, type) DO NOTHING`,
		rel.ID, rel.SourceID, rel.TargetID, rel.Type, meta)
	if err != nil {
		return nil, translateError(err, "adding relationship")
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fault.Internal(err)
	}
	var row relationshipRow
	if inserted == 0 {
		err = sqlx.GetContext(ctx, t.tx, &row, `
			SELECT `+relationshipColumns+` FROM entity_relationships
			WHERE source_id = $1 AND target_id = $2 AND type = $3`,
			rel.SourceID, rel.TargetID, rel.Type)
		if err != nil {
			return nil, translateError(err, "loading existing relationship")
		}
		return row.toDomain()
	}

	err = sqlx.GetContext(ctx, t.tx, &row,
		`SELECT `+relationshipColumns+` FROM entity_relationships WHERE id = $1`, rel.ID)
	if err != nil {
		return nil, translateError(err, "loading relationship")
	}
	created, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	t.Publish(eventbus.TopicEntityUpdated, eventbus.EntityUpdated{ID: created.SourceID})
	if created.TargetID != created.SourceID {
		t.Publish(eventbus.TopicEntityUpdated, eventbus.EntityUpdated{ID: created.TargetID})
	}
	return created, nil
}

// ListRelationships returns every edge touching the entity, oldest first.
func (s *Store) ListRelationships(ctx context.Context, entityID string) ([]*types.Relationship, error) {
	var rows []relationshipRow
	err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT `+relationshipColumns+` FROM entity_relationships
		WHERE source_id = $1 OR target_id = $1
		ORDER BY created_at, id`, entityID)
	if err != nil {
		return nil, translateError(err, "listing relationships")
	}
	rels := make([]*types.Relationship, 0, len(rows))
	for i := range rows {
		rel, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

// LinkEntitySource records that an entity was derived from a raw note.
// Linking the same pair twice is a no-op.
func (t *pgTx) LinkEntitySource(ctx context.Context, entityID, rawNoteID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO entity_sources (entity_id, raw_note_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, entityID, rawNoteID)
	if err != nil {
		return translateError(err, "linking entity source")
	}
	return nil
}

type lineageRow struct {
	EntityID string  `db:"entity_id"`
	Depth    int     `db:"depth"`
	Edge     *string `db:"edge"`
	FromID   *string `db:"from_id"`
}

// Lineage walks relationship and parent-task edges from an entity and returns
// the reachable graph, root first at depth 0. A node reachable over several
// paths is reported once at its shallowest depth. Soft-deleted entities stay
// in the walk so derivation chains survive deletion.
func (s *Store) Lineage(ctx context.Context, entityID string, direction types.LineageDirection, maxDepth int) ([]types.LineageNode, error) {
	if direction == "" {
		direction = types.LineageBoth
	}
	if !direction.IsValid() {
		return nil, fault.Validation("direction must be up, down, or both",
			fault.Issue{Path: "direction", Message: "expected up, down, or both"})
	}
	if maxDepth <= 0 {
		maxDepth = types.DefaultLineageDepth
	}

	root, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	var rows []lineageRow
	err = sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT entity_id, depth, edge, from_id
		FROM get_entity_lineage($1, $2, $3)
		ORDER BY depth, entity_id`, entityID, direction, maxDepth)
	if err != nil {
		return nil, translateError(err, "walking lineage")
	}

	nodes := []types.LineageNode{{Entity: root, Depth: 0}}
	seen := map[string]bool{entityID: true}
	ids := make([]string, 0, len(rows))
	picked := make([]lineageRow, 0, len(rows))
	for _, r := range rows {
		if seen[r.EntityID] {
			continue
		}
		seen[r.EntityID] = true
		ids = append(ids, r.EntityID)
		picked = append(picked, r)
	}
	if len(ids) == 0 {
		return nodes, nil
	}

	byID, err := loadEntitiesByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}

	for _, r := range picked {
		e, ok := byID[r.EntityID]
		if !ok {
			continue
		}
		node := types.LineageNode{Entity: e, Depth: r.Depth}
		if r.Edge != nil {
			node.Edge = *r.Edge
		}
		if r.FromID != nil {
			node.FromID = *r.FromID
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
