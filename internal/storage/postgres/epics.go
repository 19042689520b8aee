package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/types"
)

type epicRow struct {
	ID          string     `db:"id"`
	ProjectID   string     `db:"project_id"`
	Name        string     `db:"name"`
	Description *string    `db:"description"`
	CreatedBy   string     `db:"created_by"`
	DeletedAt   *time.Time `db:"deleted_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r *epicRow) toDomain() *types.Epic {
	return &types.Epic{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		Name:        r.Name,
		Description: r.Description,
		CreatedBy:   types.EpicCreator(r.CreatedBy),
		DeletedAt:   r.DeletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

const epicColumns = `id, project_id, name, description, created_by, deleted_at, created_at, updated_at`

// CreateEpic inserts an epic into its project. The project must exist and not
// be deleted.
func (s *Store) CreateEpic(ctx context.Context, e *types.Epic) (*types.Epic, error) {
	var out *types.Epic
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.CreateEpic(ctx, e)
		return err
	})
	return out, err
}

func (t *pgTx) CreateEpic(ctx context.Context, e *types.Epic) (*types.Epic, error) {
	if e.CreatedBy == "" {
		e.CreatedBy = types.CreatorUser
	}
	if err := e.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}
	project, err := t.GetProject(ctx, e.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.DeletedAt != nil {
		return nil, fault.Conflict("project %s is deleted", e.ProjectID)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	var row epicRow
	err = sqlx.GetContext(ctx, t.tx, &row, `
		INSERT INTO epics (id, project_id, name, description, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+epicColumns,
		e.ID, e.ProjectID, e.Name, e.Description, e.CreatedBy)
	if err != nil {
		return nil, translateError(err, "creating epic")
	}
	return row.toDomain(), nil
}

func getEpic(ctx context.Context, q queryer, id string) (*types.Epic, error) {
	var row epicRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+epicColumns+` FROM epics WHERE id = $1`, id)
	if err != nil {
		return nil, translateError(err, "loading epic "+id)
	}
	return row.toDomain(), nil
}

// GetEpic returns one epic by id, deleted included.
func (s *Store) GetEpic(ctx context.Context, id string) (*types.Epic, error) {
	return getEpic(ctx, s.db, id)
}

func (t *pgTx) GetEpic(ctx context.Context, id string) (*types.Epic, error) {
	return getEpic(ctx, t.tx, id)
}

// ListEpics returns one project's epics ordered by name.
func (s *Store) ListEpics(ctx context.Context, filter types.EpicFilter, page types.Page) ([]*types.Epic, string, error) {
	if filter.ProjectID == "" {
		return nil, "", fault.Validation("projectId is required",
			fault.Issue{Path: "projectId", Message: "required"})
	}
	limit, _ := page.Normalized()

	qb := newQueryBuilder(`SELECT ` + epicColumns + ` FROM epics`)
	qb.where("project_id = ?", filter.ProjectID)
	if !filter.IncludeDeleted {
		qb.where("deleted_at IS NULL")
	}
	if page.Cursor != "" {
		cur, err := storage.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
		qb.where("(name, id) > (?, ?)", cur.K, cur.ID)
	}
	qb.orderBy("name ASC, id ASC")
	qb.limit(limit + 1)

	var rows []epicRow
	query, args := qb.build()
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, "", translateError(err, "listing epics")
	}

	epics := make([]*types.Epic, 0, len(rows))
	for i := range rows {
		epics = append(epics, rows[i].toDomain())
	}
	var next string
	if len(epics) > limit {
		epics = epics[:limit]
		last := epics[limit-1]
		next = storage.Cursor{K: last.Name, ID: last.ID}.Encode()
	}
	return epics, next, nil
}

// PatchEpic updates name or description, or soft-deletes the epic with
// {"deleted": true}. Deleting detaches the epic's entities rather than
// deleting them: their epicId is cleared and they stay in the project.
func (s *Store) PatchEpic(ctx context.Context, id string, updates map[string]any) (*types.Epic, error) {
	var out *types.Epic
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		t := tx.(*pgTx)
		var err error
		out, err = t.patchEpic(ctx, id, updates)
		return err
	})
	return out, err
}

func (t *pgTx) patchEpic(ctx context.Context, id string, updates map[string]any) (*types.Epic, error) {
	var row epicRow
	err := sqlx.GetContext(ctx, t.tx, &row,
		`SELECT `+epicColumns+` FROM epics WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, translateError(err, "loading epic "+id)
	}
	e := row.toDomain()

	deleteEpic := false
	for key, val := range updates {
		switch key {
		case "name":
			s, err := coerceString(key, val)
			if err != nil {
				return nil, err
			}
			if s == nil {
				return nil, fault.Validation("name cannot be cleared")
			}
			e.Name = *s
		case "description":
			s, err := coerceString(key, val)
			if err != nil {
				return nil, err
			}
			e.Description = s
		case "deleted":
			b, ok := val.(bool)
			if !ok {
				return nil, fault.Validation("deleted must be a boolean",
					fault.Issue{Path: "deleted", Message: "expected boolean"})
			}
			if !b {
				return nil, fault.Validation("epics cannot be restored",
					fault.Issue{Path: "deleted", Message: "only true is accepted"})
			}
			deleteEpic = true
		default:
			return nil, fault.Validation("unknown field "+key,
				fault.Issue{Path: key, Message: "not a patchable field"})
		}
	}
	if err := e.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}

	if deleteEpic && e.DeletedAt == nil {
		// Detach children first so the composite FK sees no live references.
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE entities SET epic_id = NULL WHERE epic_id = $1`, id); err != nil {
			return nil, translateError(err, "detaching epic entities")
		}
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE epics SET deleted_at = now() WHERE id = $1`, id); err != nil {
			return nil, translateError(err, "deleting epic")
		}
	}

	err = sqlx.GetContext(ctx, t.tx, &row, `
		UPDATE epics SET name = $1, description = $2
		WHERE id = $3
		RETURNING `+epicColumns,
		e.Name, e.Description, id)
	if err != nil {
		return nil, translateError(err, "patching epic")
	}
	return row.toDomain(), nil
}
