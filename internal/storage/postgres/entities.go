package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/inkwell-pm/inkwell/internal/eventbus"
	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/storage"
	"github.com/inkwell-pm/inkwell/internal/types"
)

type entityRow struct {
	ID           string     `db:"id"`
	Type         string     `db:"type"`
	Content      string     `db:"content"`
	Status       string     `db:"status"`
	ProjectID    *string    `db:"project_id"`
	EpicID       *string    `db:"epic_id"`
	ParentTaskID *string    `db:"parent_task_id"`
	AssigneeID   *string    `db:"assignee_id"`
	Confidence   float64    `db:"confidence"`
	Attributes   []byte     `db:"attributes"`
	AIMeta       []byte     `db:"ai_meta"`
	Evidence     []byte     `db:"evidence"`
	DeletedAt    *time.Time `db:"deleted_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (r *entityRow) toDomain() (*types.Entity, error) {
	e := &types.Entity{
		ID:           r.ID,
		Type:         types.EntityType(r.Type),
		Content:      r.Content,
		Status:       types.EntityStatus(r.Status),
		ProjectID:    r.ProjectID,
		EpicID:       r.EpicID,
		ParentTaskID: r.ParentTaskID,
		AssigneeID:   r.AssigneeID,
		Confidence:   r.Confidence,
		DeletedAt:    r.DeletedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := unmarshalJSONB(r.Attributes, &e.Attributes); err != nil {
		return nil, err
	}
	if len(r.AIMeta) > 0 && string(r.AIMeta) != "null" {
		e.AIMeta = &types.AIMeta{}
		if err := unmarshalJSONB(r.AIMeta, e.AIMeta); err != nil {
			return nil, err
		}
	}
	if err := unmarshalJSONB(r.Evidence, &e.Evidence); err != nil {
		return nil, err
	}
	return e, nil
}

const entityColumns = `e.id, e.type, e.content, e.status, e.project_id, e.epic_id,
	e.parent_task_id, e.assignee_id, e.confidence, e.attributes, e.ai_meta,
	e.evidence, e.deleted_at, e.created_at, e.updated_at`

// CreateEntity inserts an entity and its creation audit event in one
// transaction, then publishes entity:created.
func (s *Store) CreateEntity(ctx context.Context, e *types.Entity, actorUserID *string) (*types.Entity, error) {
	var out *types.Entity
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.CreateEntity(ctx, e, actorUserID)
		return err
	})
	return out, err
}

func (t *pgTx) CreateEntity(ctx context.Context, e *types.Entity, actorUserID *string) (*types.Entity, error) {
	e.SetDefaults()
	if err := e.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if e.ParentTaskID != nil {
		if err := t.validateParentTask(ctx, e.ID, *e.ParentTaskID); err != nil {
			return nil, err
		}
	}
	if e.EpicID != nil {
		if err := t.validateEpicInProject(ctx, *e.EpicID, e.ProjectID); err != nil {
			return nil, err
		}
	}

	attrs := []byte("{}")
	var err error
	if len(e.Attributes) > 0 {
		if attrs, err = marshalJSONB(e.Attributes); err != nil {
			return nil, err
		}
	}
	var aiMeta []byte
	if e.AIMeta != nil {
		if aiMeta, err = marshalJSONB(e.AIMeta); err != nil {
			return nil, err
		}
	}
	evidence := []byte("[]")
	if len(e.Evidence) > 0 {
		if evidence, err = marshalJSONB(e.Evidence); err != nil {
			return nil, err
		}
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO entities (id, type, content, status, project_id, epic_id, parent_task_id,
			assignee_id, confidence, attributes, ai_meta, evidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Type, e.Content, e.Status, e.ProjectID, e.EpicID, e.ParentTaskID,
		e.AssigneeID, e.Confidence, attrs, aiMeta, evidence)
	if err != nil {
		return nil, translateError(err, "creating entity")
	}

	createdBy := "ai"
	if actorUserID != nil {
		createdBy = "user"
	}
	if _, err := t.AddEntityEvent(ctx, &types.EntityEvent{
		EntityID:    e.ID,
		Type:        types.EventCreated,
		ActorUserID: actorUserID,
		Meta:        map[string]any{"createdBy": createdBy},
	}); err != nil {
		return nil, err
	}

	created, err := t.GetEntity(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	t.Publish(eventbus.TopicEntityCreated, eventbus.EntityCreated{ID: created.ID, Type: created.Type})
	t.publishProjectStats(created.ProjectID)
	return created, nil
}

func getEntity(ctx context.Context, q queryer, id string) (*types.Entity, error) {
	var row entityRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+entityColumns+` FROM entities e WHERE e.id = $1`, id)
	if err != nil {
		return nil, translateError(err, "loading entity "+id)
	}
	e, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	if err := attachTagsAndSources(ctx, q, []*types.Entity{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// attachTagsAndSources populates Tags and SourceNoteIDs on the given entities
// with two batch queries.
func attachTagsAndSources(ctx context.Context, q queryer, entities []*types.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	ids := make([]string, len(entities))
	byID := make(map[string]*types.Entity, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
		byID[e.ID] = e
	}

	tagRows, err := q.QueryxContext(ctx, `
		SELECT et.entity_id, t.name FROM entity_tags et
		JOIN tags t ON t.id = et.tag_id
		WHERE et.entity_id = ANY($1::uuid[])
		ORDER BY t.name`, pq.Array(ids))
	if err != nil {
		return translateError(err, "loading entity tags")
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var entityID, name string
		if err := tagRows.Scan(&entityID, &name); err != nil {
			return translateError(err, "scanning entity tag")
		}
		byID[entityID].Tags = append(byID[entityID].Tags, name)
	}
	if err := tagRows.Err(); err != nil {
		return translateError(err, "loading entity tags")
	}

	srcRows, err := q.QueryxContext(ctx, `
		SELECT entity_id, raw_note_id FROM entity_sources
		WHERE entity_id = ANY($1::uuid[])`, pq.Array(ids))
	if err != nil {
		return translateError(err, "loading entity sources")
	}
	defer srcRows.Close()
	for srcRows.Next() {
		var entityID, noteID string
		if err := srcRows.Scan(&entityID, &noteID); err != nil {
			return translateError(err, "scanning entity source")
		}
		byID[entityID].SourceNoteIDs = append(byID[entityID].SourceNoteIDs, noteID)
	}
	return srcRows.Err()
}

// loadEntitiesByIDs fetches a batch of entities (soft-deleted included) keyed
// by id, with tags and sources attached.
func loadEntitiesByIDs(ctx context.Context, q queryer, ids []string) (map[string]*types.Entity, error) {
	if len(ids) == 0 {
		return map[string]*types.Entity{}, nil
	}
	var rows []entityRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+entityColumns+` FROM entities e WHERE e.id = ANY($1::uuid[])`, pq.Array(ids))
	if err != nil {
		return nil, translateError(err, "loading entities")
	}
	entities := make([]*types.Entity, 0, len(rows))
	byID := make(map[string]*types.Entity, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
		byID[e.ID] = e
	}
	if err := attachTagsAndSources(ctx, q, entities); err != nil {
		return nil, err
	}
	return byID, nil
}

// GetEntity returns one entity by id, soft-deleted or not, with tags and
// source note ids attached.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return getEntity(ctx, s.db, id)
}

func (t *pgTx) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return getEntity(ctx, t.tx, id)
}

// getEntityForUpdate loads the bare entity row under FOR UPDATE, serializing
// concurrent mutations of the same entity.
func (t *pgTx) getEntityForUpdate(ctx context.Context, id string) (*types.Entity, error) {
	var row entityRow
	err := sqlx.GetContext(ctx, t.tx, &row,
		`SELECT `+entityColumns+` FROM entities e WHERE e.id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, translateError(err, "loading entity "+id)
	}
	return row.toDomain()
}

// ListEntities returns entities matching the filter, newest first.
// Soft-deleted rows are excluded unless the filter asks for them.
func (s *Store) ListEntities(ctx context.Context, filter types.EntityFilter, page types.Page) ([]*types.Entity, string, error) {
	limit, _ := page.Normalized()

	base := `SELECT ` + entityColumns + ` FROM entities e`
	if filter.TagID != nil {
		base += ` JOIN entity_tags et ON et.entity_id = e.id`
	}
	qb := newQueryBuilder(base)

	if !filter.IncludeDeleted {
		qb.where("e.deleted_at IS NULL")
	}
	if filter.TagID != nil {
		qb.where("et.tag_id = ?", *filter.TagID)
	}
	if filter.ProjectID != nil {
		qb.where("e.project_id = ?", *filter.ProjectID)
	}
	if filter.EpicID != nil {
		qb.where("e.epic_id = ?", *filter.EpicID)
	}
	if filter.Type != nil {
		qb.where("e.type = ?", *filter.Type)
	}
	if filter.Status != nil {
		qb.where("e.status = ?", *filter.Status)
	}
	if filter.AssigneeID != nil {
		qb.where("e.assignee_id = ?", *filter.AssigneeID)
	}
	if filter.ParentTaskID != nil {
		qb.where("e.parent_task_id = ?", *filter.ParentTaskID)
	}
	if filter.RawNoteID != nil {
		qb.where("EXISTS (SELECT 1 FROM entity_sources es WHERE es.entity_id = e.id AND es.raw_note_id = ?)", *filter.RawNoteID)
	}
	if len(filter.IDs) > 0 {
		qb.where("e.id = ANY(?::uuid[])", pq.Array(filter.IDs))
	}
	if filter.ContentSearch != "" {
		qb.where("e.content ILIKE ?", "%"+filter.ContentSearch+"%")
	}
	if filter.CreatedAfter != nil {
		qb.where("e.created_at >= ?", filter.CreatedAfter.UTC())
	}
	if filter.CreatedBefore != nil {
		qb.where("e.created_at <= ?", filter.CreatedBefore.UTC())
	}
	if page.Cursor != "" {
		cur, err := storage.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
		k, err := storage.ParseTimeKey(cur.K)
		if err != nil {
			return nil, "", err
		}
		qb.where("(e.created_at, e.id) < (?, ?)", k, cur.ID)
	}
	qb.orderBy("e.created_at DESC, e.id DESC")
	qb.limit(limit + 1)

	var rows []entityRow
	query, args := qb.build()
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, "", translateError(err, "listing entities")
	}

	entities := make([]*types.Entity, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, "", err
		}
		entities = append(entities, e)
	}

	var next string
	if len(entities) > limit {
		entities = entities[:limit]
		last := entities[limit-1]
		next = storage.Cursor{K: storage.TimeKey(last.CreatedAt), ID: last.ID}.Encode()
	}
	if err := attachTagsAndSources(ctx, s.db, entities); err != nil {
		return nil, "", err
	}
	return entities, next, nil
}

// entityPatchColumns maps patch keys to columns. Keys outside this map are
// rejected before any SQL runs.
var entityPatchColumns = map[string]string{
	"content":      "content",
	"type":         "type",
	"status":       "status",
	"projectId":    "project_id",
	"epicId":       "epic_id",
	"assigneeId":   "assignee_id",
	"parentTaskId": "parent_task_id",
	"attributes":   "attributes",
	"confidence":   "confidence",
	"aiMeta":       "ai_meta",
}

// PatchEntity applies only the named fields: a nil value clears the field, a
// missing key leaves it unchanged. The post-image is validated against all
// entity invariants before the row is written.
func (s *Store) PatchEntity(ctx context.Context, id string, updates map[string]any, actorUserID *string) (*types.Entity, error) {
	var out *types.Entity
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.PatchEntity(ctx, id, updates, actorUserID)
		return err
	})
	return out, err
}

func (t *pgTx) PatchEntity(ctx context.Context, id string, updates map[string]any, actorUserID *string) (*types.Entity, error) {
	for key := range updates {
		if _, ok := entityPatchColumns[key]; !ok {
			return nil, fault.Validation(fmt.Sprintf("unknown field %q", key),
				fault.Issue{Path: key, Message: "not a patchable field"})
		}
	}

	current, err := t.getEntityForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted() {
		return nil, fault.Conflict("entity %s is deleted", id)
	}

	next := *current
	oldProject := current.ProjectID
	oldAssignee := current.AssigneeID
	if err := applyEntityUpdates(&next, updates); err != nil {
		return nil, err
	}

	// When the type changes without an explicit status, fall back to the new
	// type's initial status so the post-image stays valid.
	if next.Type != current.Type {
		if _, ok := updates["status"]; !ok {
			next.Status = types.DefaultStatus(next.Type)
		}
	}
	// An entity cannot carry an epic across a project change. An explicit
	// epicId in the same patch wins; otherwise the epic goes with its project.
	if !sameStringPtr(next.ProjectID, current.ProjectID) {
		if _, ok := updates["epicId"]; !ok {
			next.EpicID = nil
		}
	}
	if err := next.Validate(); err != nil {
		return nil, fault.Validation(err.Error())
	}
	if next.ParentTaskID != nil && !sameStringPtr(next.ParentTaskID, current.ParentTaskID) {
		if err := t.validateParentTask(ctx, id, *next.ParentTaskID); err != nil {
			return nil, err
		}
	}
	if next.EpicID != nil &&
		(!sameStringPtr(next.EpicID, current.EpicID) || !sameStringPtr(next.ProjectID, current.ProjectID)) {
		if err := t.validateEpicInProject(ctx, *next.EpicID, next.ProjectID); err != nil {
			return nil, err
		}
	}

	changed := changedEntityFields(current, &next)
	if len(changed) == 0 {
		return current, nil
	}

	set, args, err := buildEntityUpdate(&next, changed)
	if err != nil {
		return nil, err
	}
	args = append(args, id)
	query := sqlx.Rebind(sqlx.DOLLAR, `UPDATE entities SET `+set+` WHERE id = ?`)
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return nil, translateError(err, "patching entity")
	}

	if err := t.recordPatchEvents(ctx, id, actorUserID, changed, oldAssignee, next.AssigneeID); err != nil {
		return nil, err
	}

	updated, err := t.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Publish(eventbus.TopicEntityUpdated, eventbus.EntityUpdated{ID: id})
	t.publishProjectStats(oldProject)
	if !sameStringPtr(updated.ProjectID, oldProject) {
		t.publishProjectStats(updated.ProjectID)
	}
	return updated, nil
}

func applyEntityUpdates(e *types.Entity, updates map[string]any) error {
	for key, val := range updates {
		switch key {
		case "content":
			s, err := coerceString(key, val)
			if err != nil {
				return err
			}
			if s == nil {
				return fault.Validation("content cannot be cleared")
			}
			e.Content = *s
		case "type":
			s, err := coerceString(key, val)
			if err != nil {
				return err
			}
			if s == nil {
				return fault.Validation("type cannot be cleared")
			}
			e.Type = types.EntityType(*s)
		case "status":
			s, err := coerceString(key, val)
			if err != nil {
				return err
			}
			if s == nil {
				return fault.Validation("status cannot be cleared")
			}
			e.Status = types.EntityStatus(*s)
		case "projectId":
			s, err := coerceString(key, val)
			if err != nil {
				return err
			}
			e.ProjectID = s
		case "epicId":
			s, err := coerceString(key, val)
			if err != nil {
				return err
			}
			e.EpicID = s
		case "assigneeId":
			s, err := coerceString(key, val)
			if err != nil {
				return err
			}
			e.AssigneeID = s
		case "parentTaskId":
			s, err := coerceString(key, val)
			if err != nil {
				return err
			}
			e.ParentTaskID = s
		case "attributes":
			if val == nil {
				e.Attributes = nil
				continue
			}
			m, ok := val.(map[string]any)
			if !ok {
				if attrs, isAttrs := val.(types.Attributes); isAttrs {
					e.Attributes = attrs
					continue
				}
				return fault.Validation("attributes must be an object",
					fault.Issue{Path: "attributes", Message: "expected object"})
			}
			e.Attributes = m
		case "confidence":
			f, ok := val.(float64)
			if !ok {
				return fault.Validation("confidence must be a number",
					fault.Issue{Path: "confidence", Message: "expected number"})
			}
			e.Confidence = f
		case "aiMeta":
			if val == nil {
				e.AIMeta = nil
				continue
			}
			meta, ok := val.(*types.AIMeta)
			if !ok {
				return fault.Validation("aiMeta is not externally patchable",
					fault.Issue{Path: "aiMeta", Message: "internal field"})
			}
			e.AIMeta = meta
		}
	}
	return nil
}

func coerceString(key string, val any) (*string, error) {
	if val == nil {
		return nil, nil
	}
	s, ok := val.(string)
	if !ok {
		return nil, fault.Validation(fmt.Sprintf("%s must be a string", key),
			fault.Issue{Path: key, Message: "expected string"})
	}
	return &s, nil
}

func sameStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// changedEntityFields returns the patch keys whose values actually differ
// between the two images.
func changedEntityFields(prev, next *types.Entity) []string {
	var changed []string
	if next.Content != prev.Content {
		changed = append(changed, "content")
	}
	if next.Type != prev.Type {
		changed = append(changed, "type")
	}
	if next.Status != prev.Status {
		changed = append(changed, "status")
	}
	if !sameStringPtr(next.ProjectID, prev.ProjectID) {
		changed = append(changed, "projectId")
	}
	if !sameStringPtr(next.EpicID, prev.EpicID) {
		changed = append(changed, "epicId")
	}
	if !sameStringPtr(next.AssigneeID, prev.AssigneeID) {
		changed = append(changed, "assigneeId")
	}
	if !sameStringPtr(next.ParentTaskID, prev.ParentTaskID) {
		changed = append(changed, "parentTaskId")
	}
	if !jsonEqual(next.Attributes, prev.Attributes) {
		changed = append(changed, "attributes")
	}
	if next.Confidence != prev.Confidence {
		changed = append(changed, "confidence")
	}
	if !jsonEqual(next.AIMeta, prev.AIMeta) {
		changed = append(changed, "aiMeta")
	}
	return changed
}

func jsonEqual(a, b any) bool {
	ab, errA := marshalJSONB(a)
	bb, errB := marshalJSONB(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

func buildEntityUpdate(e *types.Entity, changed []string) (string, []any, error) {
	var set string
	var args []any
	for i, key := range changed {
		if i > 0 {
			set += ", "
		}
		set += entityPatchColumns[key] + " = ?"
		switch key {
		case "content":
			args = append(args, e.Content)
		case "type":
			args = append(args, e.Type)
		case "status":
			args = append(args, e.Status)
		case "projectId":
			args = append(args, e.ProjectID)
		case "epicId":
			args = append(args, e.EpicID)
		case "assigneeId":
			args = append(args, e.AssigneeID)
		case "parentTaskId":
			args = append(args, e.ParentTaskID)
		case "attributes":
			data := []byte("{}")
			if len(e.Attributes) > 0 {
				var err error
				if data, err = marshalJSONB(e.Attributes); err != nil {
					return "", nil, err
				}
			}
			args = append(args, data)
		case "confidence":
			args = append(args, e.Confidence)
		case "aiMeta":
			if e.AIMeta == nil {
				args = append(args, nil)
			} else {
				data, err := marshalJSONB(e.AIMeta)
				if err != nil {
					return "", nil, err
				}
				args = append(args, data)
			}
		}
	}
	return set, args, nil
}

func (t *pgTx) recordPatchEvents(ctx context.Context, id string, actorUserID *string, changed []string, oldAssignee, newAssignee *string) error {
	var fields []string
	assigneeChanged := false
	for _, key := range changed {
		if key == "assigneeId" {
			assigneeChanged = true
			continue
		}
		fields = append(fields, key)
	}

	if assigneeChanged {
		meta := map[string]any{}
		if oldAssignee != nil {
			meta["from"] = *oldAssignee
		}
		if newAssignee != nil {
			meta["to"] = *newAssignee
		}
		if _, err := t.AddEntityEvent(ctx, &types.EntityEvent{
			EntityID:    id,
			Type:        types.EventAssignmentChange,
			ActorUserID: actorUserID,
			Meta:        meta,
		}); err != nil {
			return err
		}
	}
	if len(fields) > 0 {
		if _, err := t.AddEntityEvent(ctx, &types.EntityEvent{
			EntityID:    id,
			Type:        types.EventFieldUpdate,
			ActorUserID: actorUserID,
			Meta:        map[string]any{"fields": fields},
		}); err != nil {
			return err
		}
	}
	return nil
}

// TransitionEntityStatus moves an entity to a new status. A transition to the
// current status is a no-op that emits no event; everything else writes a
// status_change audit row in the same transaction.
func (s *Store) TransitionEntityStatus(ctx context.Context, id string, newStatus types.EntityStatus, actorUserID *string) (*types.Entity, error) {
	var out *types.Entity
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.TransitionEntityStatus(ctx, id, newStatus, actorUserID)
		return err
	})
	return out, err
}

func (t *pgTx) TransitionEntityStatus(ctx context.Context, id string, newStatus types.EntityStatus, actorUserID *string) (*types.Entity, error) {
	current, err := t.getEntityForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted() {
		return nil, fault.Conflict("entity %s is deleted", id)
	}
	if current.Status == newStatus {
		return current, nil
	}
	if !newStatus.ValidFor(current.Type) {
		return nil, fault.Validation(
			fmt.Sprintf("status %q is not valid for type %q", newStatus, current.Type),
			fault.Issue{Path: "newStatus", Message: "invalid for entity type"})
	}

	if _, err := t.tx.ExecContext(ctx,
		`UPDATE entities SET status = $1 WHERE id = $2`, newStatus, id); err != nil {
		return nil, translateError(err, "transitioning entity status")
	}

	oldStatus := current.Status
	if _, err := t.AddEntityEvent(ctx, &types.EntityEvent{
		EntityID:    id,
		Type:        types.EventStatusChange,
		ActorUserID: actorUserID,
		OldStatus:   &oldStatus,
		NewStatus:   &newStatus,
	}); err != nil {
		return nil, err
	}

	updated, err := t.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Publish(eventbus.TopicEntityUpdated, eventbus.EntityUpdated{ID: id})
	t.publishProjectStats(updated.ProjectID)
	return updated, nil
}

// SoftDeleteEntity hides the entity from default lists while preserving its
// events, sources, and relationships. Deleting an already-deleted entity is a
// no-op.
func (s *Store) SoftDeleteEntity(ctx context.Context, id string, actorUserID *string) error {
	return s.RunInTransaction(ctx, func(tx storage.Tx) error {
		return tx.SoftDeleteEntity(ctx, id, actorUserID)
	})
}

func (t *pgTx) SoftDeleteEntity(ctx context.Context, id string, actorUserID *string) error {
	current, err := t.getEntityForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if current.IsDeleted() {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE entities SET deleted_at = now() WHERE id = $1`, id); err != nil {
		return translateError(err, "soft-deleting entity")
	}
	t.Publish(eventbus.TopicEntityUpdated, eventbus.EntityUpdated{ID: id})
	t.publishProjectStats(current.ProjectID)
	return nil
}

// validateParentTask checks that the proposed parent exists, is a task, and
// does not close a cycle through the entity being written.
func (t *pgTx) validateParentTask(ctx context.Context, entityID, parentID string) error {
	if parentID == entityID {
		return fault.Validation("entity cannot be its own parent",
			fault.Issue{Path: "parentTaskId", Message: "self-reference"})
	}
	var parentType string
	err := sqlx.GetContext(ctx, t.tx, &parentType,
		`SELECT type FROM entities WHERE id = $1 AND deleted_at IS NULL`, parentID)
	if err != nil {
		return translateError(err, "loading parent task "+parentID)
	}
	if parentType != string(types.TypeTask) {
		return fault.Validation("parent must be a task",
			fault.Issue{Path: "parentTaskId", Message: "referenced entity is not a task"})
	}

	// Walk the ancestor chain of the proposed parent; finding the entity being
	// written means the edge would close a cycle.
	var cycle bool
	err = sqlx.GetContext(ctx, t.tx, &cycle, `
		WITH RECURSIVE ancestors(id, path) AS (
			SELECT parent_task_id, ARRAY[id] FROM entities WHERE id = $1
			UNION ALL
			SELECT e.parent_task_id, a.path || e.id
			FROM entities e JOIN ancestors a ON e.id = a.id
			WHERE e.parent_task_id IS NOT NULL AND NOT e.id = ANY(a.path)
		)
		SELECT EXISTS (SELECT 1 FROM ancestors WHERE id = $2)`, parentID, entityID)
	if err != nil {
		return translateError(err, "checking parent cycle")
	}
	if cycle {
		return fault.Validation("parentTaskId would create a cycle",
			fault.Issue{Path: "parentTaskId", Message: "cycle detected"})
	}
	return nil
}

// validateEpicInProject checks that the epic exists, is live, and belongs to
// the entity's project.
func (t *pgTx) validateEpicInProject(ctx context.Context, epicID string, projectID *string) error {
	if projectID == nil {
		return fault.Validation("epicId requires projectId",
			fault.Issue{Path: "epicId", Message: "entity has no project"})
	}
	epic, err := t.GetEpic(ctx, epicID)
	if err != nil {
		return err
	}
	if epic.DeletedAt != nil {
		return fault.Conflict("epic %s is deleted", epicID)
	}
	if epic.ProjectID != *projectID {
		return fault.Validation("epic belongs to a different project",
			fault.Issue{Path: "epicId", Message: "epic is not in the entity's project"})
	}
	return nil
}

func (t *pgTx) publishProjectStats(projectID *string) {
	if projectID != nil {
		t.Publish(eventbus.TopicProjectStats, eventbus.ProjectStatsUpdated{ProjectID: *projectID})
	}
}
