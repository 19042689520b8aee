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

type eventRow struct {
	ID          string    `db:"id"`
	EntityID    string    `db:"entity_id"`
	Type        string    `db:"type"`
	ActorUserID *string   `db:"actor_user_id"`
	RawNoteID   *string   `db:"raw_note_id"`
	Body        *string   `db:"body"`
	OldStatus   *string   `db:"old_status"`
	NewStatus   *string   `db:"new_status"`
	Meta        []byte    `db:"meta"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *eventRow) toDomain() (*types.EntityEvent, error) {
	ev := &types.EntityEvent{
		ID:          r.ID,
		EntityID:    r.EntityID,
		Type:        types.EventType(r.Type),
		ActorUserID: r.ActorUserID,
		RawNoteID:   r.RawNoteID,
		Body:        r.Body,
		CreatedAt:   r.CreatedAt,
	}
	if r.OldStatus != nil {
		s := types.EntityStatus(*r.OldStatus)
		ev.OldStatus = &s
	}
	if r.NewStatus != nil {
		s := types.EntityStatus(*r.NewStatus)
		ev.NewStatus = &s
	}
	if len(r.Meta) > 0 && string(r.Meta) != "null" {
		if err := unmarshalJSONB(r.Meta, &ev.Meta); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

const eventColumns = `id, entity_id, type, actor_user_id, raw_note_id, body,
	old_status, new_status, meta, created_at`

// AddEntityEvent appends one row to an entity's audit log.
func (s *Store) AddEntityEvent(ctx context.Context, ev *types.EntityEvent) (*types.EntityEvent, error) {
	var out *types.EntityEvent
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.AddEntityEvent(ctx, ev)
		return err
	})
	return out, err
}

func (t *pgTx) AddEntityEvent(ctx context.Context, ev *types.EntityEvent) (*types.EntityEvent, error) {
	if err := ev.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	var meta []byte
	if len(ev.Meta) > 0 {
		var err error
		if meta, err = marshalJSONB(ev.Meta); err != nil {
			return nil, err
		}
	}

	var row eventRow
	err := sqlx.GetContext(ctx, t.tx, &row, `
		INSERT INTO entity_events (id, entity_id, type, actor_user_id, raw_note_id,
			body, old_status, new_status, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+eventColumns,
		ev.ID, ev.EntityID, ev.Type, ev.ActorUserID, ev.RawNoteID,
		ev.Body, ev.OldStatus, ev.NewStatus, meta)
	if err != nil {
		return nil, translateError(err, "appending entity event")
	}

	created, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	t.Publish(eventbus.TopicEntityEventAdded, eventbus.EntityEventAdded{
		EntityID: created.EntityID,
		EventID:  created.ID,
		Type:     created.Type,
	})
	return created, nil
}

// ListEntityEvents returns one entity's audit log ordered by (createdAt, id).
// The default order is ascending so timelines read top to bottom.
func (s *Store) ListEntityEvents(ctx context.Context, entityID string, order types.SortOrder, page types.Page) ([]*types.EntityEvent, string, error) {
	if order == "" {
		order = types.OrderAsc
	}
	if !order.IsValid() {
		return nil, "", fault.Validation("order must be asc or desc",
			fault.Issue{Path: "order", Message: "expected asc or desc"})
	}

	var exists bool
	if err := sqlx.GetContext(ctx, s.db, &exists,
		`SELECT EXISTS (SELECT 1 FROM entities WHERE id = $1)`, entityID); err != nil {
		return nil, "", translateError(err, "checking entity "+entityID)
	}
	if !exists {
		return nil, "", fault.NotFound("entity", entityID)
	}

	limit, _ := page.Normalized()
	qb := newQueryBuilder(`SELECT ` + eventColumns + ` FROM entity_events`)
	qb.where("entity_id = ?", entityID)
	if page.Cursor != "" {
		cur, err := storage.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
		k, err := storage.ParseTimeKey(cur.K)
		if err != nil {
			return nil, "", err
		}
		if order == types.OrderAsc {
			qb.where("(created_at, id) > (?, ?)", k, cur.ID)
		} else {
			qb.where("(created_at, id) < (?, ?)", k, cur.ID)
		}
	}
	if order == types.OrderAsc {
		qb.orderBy("created_at ASC, id ASC")
	} else {
		qb.orderBy("created_at DESC, id DESC")
	}
	qb.limit(limit + 1)

	var rows []eventRow
	query, args := qb.build()
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, "", translateError(err, "listing entity events")
	}

	events := make([]*types.EntityEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toDomain()
		if err != nil {
			return nil, "", err
		}
		events = append(events, ev)
	}

	var next string
	if len(events) > limit {
		events = events[:limit]
		last := events[limit-1]
		next = storage.Cursor{K: storage.TimeKey(last.CreatedAt), ID: last.ID}.Encode()
	}
	return events, next, nil
}
