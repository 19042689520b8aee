package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/inkwell-pm/inkwell/internal/eventbus"
	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/types"
)

type tagRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *tagRow) toDomain() *types.Tag {
	return &types.Tag{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt}
}

// CreateTag inserts a tag, lowercasing the name first. Creating a tag that
// already exists returns the stored tag.
func (s *Store) CreateTag(ctx context.Context, name string) (*types.Tag, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fault.Validation("tag name is required",
			fault.Issue{Path: "name", Message: "required"})
	}

	id := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, name) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING`, id, name)
	if err != nil {
		return nil, translateError(err, "creating tag")
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fault.Internal(err)
	}

	var row tagRow
	if inserted == 0 {
		err = sqlx.GetContext(ctx, s.db, &row,
			`SELECT id, name, created_at FROM tags WHERE name = $1`, name)
	} else {
		err = sqlx.GetContext(ctx, s.db, &row,
			`SELECT id, name, created_at FROM tags WHERE id = $1`, id)
	}
	if err != nil {
		return nil, translateError(err, "loading tag")
	}
	return row.toDomain(), nil
}

// ListTags returns tags ordered by name, optionally restricted to a prefix.
func (s *Store) ListTags(ctx context.Context, q string) ([]*types.Tag, error) {
	qb := newQueryBuilder(`SELECT id, name, created_at FROM tags`)
	if q != "" {
		qb.where("name LIKE ?", strings.ToLower(strings.TrimSpace(q))+"%")
	}
	qb.orderBy("name ASC")

	var rows []tagRow
	query, args := qb.build()
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, translateError(err, "listing tags")
	}
	tags := make([]*types.Tag, 0, len(rows))
	for i := range rows {
		tags = append(tags, rows[i].toDomain())
	}
	return tags, nil
}

// SetEntityTags replaces the entity's tag set. An empty tagIDs clears it.
func (s *Store) SetEntityTags(ctx context.Context, entityID string, tagIDs []string) error {
	return s.RunInTransaction(ctx, func(tx storage.Tx) error {
		return tx.SetEntityTags(ctx, entityID, tagIDs)
	})
}

func (t *pgTx) SetEntityTags(ctx context.Context, entityID string, tagIDs []string) error {
	current, err := t.getEntityForUpdate(ctx, entityID)
	if err != nil {
		return err
	}
	if current.IsDeleted() {
		return fault.Conflict("entity %s is deleted", entityID)
	}

	unique := make([]string, 0, len(tagIDs))
	seen := make(map[string]bool, len(tagIDs))
	for _, id := range tagIDs {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	if len(unique) > 0 {
		var known int
		err := sqlx.GetContext(ctx, t.tx, &known,
			`SELECT COUNT(*) FROM tags WHERE id = ANY($1::uuid[])`, pq.Array(unique))
		if err != nil {
			return translateError(err, "checking tags")
		}
		if known != len(unique) {
			return fault.NotFound("tag", "in tagIds")
		}
	}

	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM entity_tags WHERE entity_id = $1`, entityID); err != nil {
		return translateError(err, "clearing entity tags")
	}
	for _, tagID := range unique {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO entity_tags (entity_id, tag_id) VALUES ($1, $2)`, entityID, tagID); err != nil {
			return translateError(err, "tagging entity")
		}
	}
	t.Publish(eventbus.TopicEntityUpdated, eventbus.EntityUpdated{ID: entityID})
	return nil
}
