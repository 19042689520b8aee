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

// Dashboard list caps. Decisions and insights beyond these are reachable
// through the entity list endpoints.
const (
	dashboardOpenDecisionLimit  = 20
	dashboardRecentInsightLimit = 10
)

type projectRow struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	Description *string    `db:"description"`
	Status      string     `db:"status"`
	DeletedAt   *time.Time `db:"deleted_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r *projectRow) toDomain() *types.Project {
	return &types.Project{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Status:      types.ProjectStatus(r.Status),
		DeletedAt:   r.DeletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

const projectColumns = `id, name, description, status, deleted_at, created_at, updated_at`

// CreateProject inserts a project. Names are not unique; projects are
// addressed by id.
func (s *Store) CreateProject(ctx context.Context, p *types.Project) (*types.Project, error) {
	var out *types.Project
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.CreateProject(ctx, p)
		return err
	})
	return out, err
}

func (t *pgTx) CreateProject(ctx context.Context, p *types.Project) (*types.Project, error) {
	p.SetDefaults()
	if err := p.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var row projectRow
	err := sqlx.GetContext(ctx, t.tx, &row, `
		INSERT INTO projects (id, name, description, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+projectColumns,
		p.ID, p.Name, p.Description, p.Status)
	if err != nil {
		return nil, translateError(err, "creating project")
	}
	return row.toDomain(), nil
}

func getProject(ctx context.Context, q queryer, id string) (*types.Project, error) {
	var row projectRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	if err != nil {
		return nil, translateError(err, "loading project "+id)
	}
	return row.toDomain(), nil
}

// GetProject returns one project by id, archived or deleted included.
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	return getProject(ctx, s.db, id)
}

func (t *pgTx) GetProject(ctx context.Context, id string) (*types.Project, error) {
	return getProject(ctx, t.tx, id)
}

// ListProjects returns projects ordered by name. The zero filter lists
// active, not-deleted projects.
func (s *Store) ListProjects(ctx context.Context, filter types.ProjectFilter, page types.Page) ([]*types.Project, string, error) {
	limit, _ := page.Normalized()
	qb := newQueryBuilder(`SELECT ` + projectColumns + ` FROM projects`)
	if !filter.IncludeDeleted {
		qb.where("deleted_at IS NULL")
	}
	if filter.Status != nil {
		qb.where("status = ?", *filter.Status)
	} else if !filter.IncludeDeleted {
		qb.where("status = ?", types.ProjectActive)
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

	var rows []projectRow
	query, args := qb.build()
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, "", translateError(err, "listing projects")
	}

	projects := make([]*types.Project, 0, len(rows))
	for i := range rows {
		projects = append(projects, rows[i].toDomain())
	}
	var next string
	if len(projects) > limit {
		projects = projects[:limit]
		last := projects[limit-1]
		next = storage.Cursor{K: last.Name, ID: last.ID}.Encode()
	}
	return projects, next, nil
}

// PatchProject updates name, description, or status. A nil description clears
// it; name and status cannot be cleared.
func (s *Store) PatchProject(ctx context.Context, id string, updates map[string]any) (*types.Project, error) {
	var out *types.Project
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		t := tx.(*pgTx)
		var err error
		out, err = t.patchProject(ctx, id, updates)
		return err
	})
	return out, err
}

func (t *pgTx) patchProject(ctx context.Context, id string, updates map[string]any) (*types.Project, error) {
	var row projectRow
	err := sqlx.GetContext(ctx, t.tx, &row,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, translateError(err, "loading project "+id)
	}
	p := row.toDomain()

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
			p.Name = *s
		case "description":
			s, err := coerceString(key, val)
			if err != nil {
				return nil, err
			}
			p.Description = s
		case "status":
			s, err := coerceString(key, val)
			if err != nil {
				return nil, err
			}
			if s == nil {
				return nil, fault.Validation("status cannot be cleared")
			}
			p.Status = types.ProjectStatus(*s)
		default:
			return nil, fault.Validation("unknown field "+key,
				fault.Issue{Path: key, Message: "not a patchable field"})
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}

	err = sqlx.GetContext(ctx, t.tx, &row, `
		UPDATE projects SET name = $1, description = $2, status = $3
		WHERE id = $4
		RETURNING `+projectColumns,
		p.Name, p.Description, p.Status, id)
	if err != nil {
		return nil, translateError(err, "patching project")
	}
	return row.toDomain(), nil
}

// ProjectDashboard aggregates one project's live state: task counts per
// status, open decisions, recent insights, and per-epic completion.
func (s *Store) ProjectDashboard(ctx context.Context, id string) (*types.ProjectDashboard, error) {
	project, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	dash := &types.ProjectDashboard{
		Project:       project,
		TasksByStatus: make(map[types.EntityStatus]int, 4),
	}
	for _, st := range types.StatusesFor(types.TypeTask) {
		dash.TasksByStatus[st] = 0
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT status, COUNT(*) FROM entities
		WHERE project_id = $1 AND type = $2 AND deleted_at IS NULL
		GROUP BY status`, id, types.TypeTask)
	if err != nil {
		return nil, translateError(err, "counting project tasks")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, translateError(err, "scanning task counts")
		}
		dash.TasksByStatus[types.EntityStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, "counting project tasks")
	}

	decisionType, insightType := types.TypeDecision, types.TypeInsight
	pendingStatus := types.StatusPending
	dash.OpenDecisions, _, err = s.ListEntities(ctx, types.EntityFilter{
		ProjectID: &id,
		Type:      &decisionType,
		Status:    &pendingStatus,
	}, types.Page{Limit: dashboardOpenDecisionLimit})
	if err != nil {
		return nil, err
	}
	dash.RecentInsights, _, err = s.ListEntities(ctx, types.EntityFilter{
		ProjectID: &id,
		Type:      &insightType,
	}, types.Page{Limit: dashboardRecentInsightLimit})
	if err != nil {
		return nil, err
	}

	dash.Epics, err = s.epicProgress(ctx, id)
	if err != nil {
		return nil, err
	}
	return dash, nil
}

// epicProgress returns task totals per live epic in one grouped query.
func (s *Store) epicProgress(ctx context.Context, projectID string) ([]types.EpicProgress, error) {
	epics, _, err := s.ListEpics(ctx, types.EpicFilter{ProjectID: projectID}, types.Page{Limit: types.MaxPageLimit})
	if err != nil {
		return nil, err
	}
	progress := make([]types.EpicProgress, len(epics))
	index := make(map[string]*types.EpicProgress, len(epics))
	for i, e := range epics {
		progress[i] = types.EpicProgress{Epic: e}
		index[e.ID] = &progress[i]
	}
	if len(epics) == 0 {
		return progress, nil
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT epic_id,
			COUNT(*) FILTER (WHERE type = $2),
			COUNT(*) FILTER (WHERE type = $2 AND status = $3)
		FROM entities
		WHERE project_id = $1 AND epic_id IS NOT NULL AND deleted_at IS NULL
		GROUP BY epic_id`, projectID, types.TypeTask, types.StatusDone)
	if err != nil {
		return nil, translateError(err, "aggregating epic progress")
	}
	defer rows.Close()
	for rows.Next() {
		var epicID string
		var total, done int
		if err := rows.Scan(&epicID, &total, &done); err != nil {
			return nil, translateError(err, "scanning epic progress")
		}
		if p, ok := index[epicID]; ok {
			p.TaskCount = total
			p.DoneCount = done
			if total > 0 {
				p.Progress = float64(done) / float64(total)
			}
		}
	}
	return progress, rows.Err()
}
