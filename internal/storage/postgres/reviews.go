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

type reviewRow struct {
	ID              string     `db:"id"`
	EntityID        *string    `db:"entity_id"`
	ProjectID       *string    `db:"project_id"`
	ReviewType      string     `db:"review_type"`
	Status          string     `db:"status"`
	AISuggestion    []byte     `db:"ai_suggestion"`
	AIConfidence    float64    `db:"ai_confidence"`
	ResolvedBy      *string    `db:"resolved_by"`
	ResolvedAt      *time.Time `db:"resolved_at"`
	UserResolution  []byte     `db:"user_resolution"`
	TrainingComment *string    `db:"training_comment"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (r *reviewRow) toDomain() *types.ReviewItem {
	item := &types.ReviewItem{
		ID:              r.ID,
		EntityID:        r.EntityID,
		ProjectID:       r.ProjectID,
		ReviewType:      types.ReviewType(r.ReviewType),
		Status:          types.ReviewStatus(r.Status),
		AIConfidence:    r.AIConfidence,
		ResolvedBy:      r.ResolvedBy,
		ResolvedAt:      r.ResolvedAt,
		TrainingComment: r.TrainingComment,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.AISuggestion) > 0 {
		item.AISuggestion = append([]byte(nil), r.AISuggestion...)
	}
	if len(r.UserResolution) > 0 {
		item.UserResolution = append([]byte(nil), r.UserResolution...)
	}
	return item
}

const reviewColumns = `id, entity_id, project_id, review_type, status, ai_suggestion,
	ai_confidence, resolved_by, resolved_at, user_resolution, training_comment,
	created_at, updated_at`

// CreateReviewItem inserts a pending review. One pending item per
// (entity, reviewType) is enforced by a partial unique index; inserting a
// duplicate returns the existing pending item with existing=true instead of
// failing, so extraction retries do not multiply reviews. low_confidence
// items are exempt: one per field may be pending at once.
func (t *pgTx) CreateReviewItem(ctx context.Context, item *types.ReviewItem) (*types.ReviewItem, bool, error) {
	if item.Status == "" {
		item.Status = types.ReviewPending
	}
	if err := item.Validate(); err != nil {
		return nil, false, fault.Validation(err.Error())
	}
	if item.Status != types.ReviewPending {
		return nil, false, fault.Validation("new review items must be pending",
			fault.Issue{Path: "status", Message: "must be pending"})
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	suggestion := []byte("{}")
	if len(item.AISuggestion) > 0 {
		suggestion = []byte(item.AISuggestion)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO review_queue (id, entity_id, project_id, review_type, status,
			ai_suggestion, ai_confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_id, review_type) WHERE status = 'pending'
			AND entity_id IS NOT NULL AND review_type <> 'low_confidence'
		DO NOTHING`,
		item.ID, item.EntityID, item.ProjectID, item.ReviewType, item.Status,
		suggestion, item.AIConfidence)
	if err != nil {
		return nil, false, translateError(err, "creating review item")
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fault.Internal(err)
	}

	var row reviewRow
	if inserted == 0 {
		err = sqlx.GetContext(ctx, t.tx, &row, `
			SELECT `+reviewColumns+` FROM review_queue
			WHERE entity_id = $1 AND review_type = $2 AND status = 'pending'`,
			item.EntityID, item.ReviewType)
		if err != nil {
			return nil, false, translateError(err, "loading existing review item")
		}
		return row.toDomain(), true, nil
	}

	err = sqlx.GetContext(ctx, t.tx, &row,
		`SELECT `+reviewColumns+` FROM review_queue WHERE id = $1`, item.ID)
	if err != nil {
		return nil, false, translateError(err, "loading review item")
	}
	created := row.toDomain()
	t.Publish(eventbus.TopicReviewCreated, eventbus.ReviewCreated{
		ID:         created.ID,
		ReviewType: created.ReviewType,
		EntityID:   created.EntityID,
		ProjectID:  created.ProjectID,
	})
	return created, false, nil
}

func getReviewItem(ctx context.Context, q queryer, id string) (*types.ReviewItem, error) {
	var row reviewRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+reviewColumns+` FROM review_queue WHERE id = $1`, id)
	if err != nil {
		return nil, translateError(err, "loading review item "+id)
	}
	return row.toDomain(), nil
}

// GetReviewItem returns one review item by id.
func (s *Store) GetReviewItem(ctx context.Context, id string) (*types.ReviewItem, error) {
	return getReviewItem(ctx, s.db, id)
}

func (t *pgTx) GetReviewItem(ctx context.Context, id string) (*types.ReviewItem, error) {
	return getReviewItem(ctx, t.tx, id)
}

// GetReviewItemForUpdate locks the review row for the rest of the
// transaction. Two concurrent resolutions of the same item serialize here;
// the loser sees the winner's terminal status and fails with CONFLICT in the
// engine.
func (t *pgTx) GetReviewItemForUpdate(ctx context.Context, id string) (*types.ReviewItem, error) {
	var row reviewRow
	err := sqlx.GetContext(ctx, t.tx, &row,
		`SELECT `+reviewColumns+` FROM review_queue WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, translateError(err, "locking review item "+id)
	}
	return row.toDomain(), nil
}

// UpdateReviewItem writes the item's resolution fields. Only status,
// resolvedBy, resolvedAt, userResolution, and trainingComment change after
// insert; the suggestion is immutable.
func (t *pgTx) UpdateReviewItem(ctx context.Context, item *types.ReviewItem) error {
	if err := item.Validate(); err != nil {
		return fault.Validation(err.Error())
	}
	var userRes []byte
	if len(item.UserResolution) > 0 {
		userRes = []byte(item.UserResolution)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE review_queue
		SET status = $1, resolved_by = $2, resolved_at = $3, user_resolution = $4,
			training_comment = $5
		WHERE id = $6`,
		item.Status, item.ResolvedBy, item.ResolvedAt,
		userRes, item.TrainingComment, item.ID)
	if err != nil {
		return translateError(err, "updating review item")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Internal(err)
	}
	if n == 0 {
		return fault.NotFound("review item", item.ID)
	}
	t.Publish(eventbus.TopicReviewResolved, eventbus.ReviewResolved{
		ID:     item.ID,
		Status: item.Status,
	})
	return nil
}

// AutoRejectPendingReviews rejects every other pending review for an entity.
// Used when a type change invalidates suggestions made against the old type.
// Returns the rejected ids.
func (t *pgTx) AutoRejectPendingReviews(ctx context.Context, entityID, exceptID string) ([]string, error) {
	rows, err := t.tx.QueryxContext(ctx, `
		UPDATE review_queue
		SET status = $1, resolved_at = now()
		WHERE entity_id = $2 AND status = $3 AND id <> $4
		RETURNING id`,
		types.ReviewRejected, entityID, types.ReviewPending, exceptID)
	if err != nil {
		return nil, translateError(err, "auto-rejecting pending reviews")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, translateError(err, "scanning rejected review id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, "auto-rejecting pending reviews")
	}
	for _, id := range ids {
		t.Publish(eventbus.TopicReviewResolved, eventbus.ReviewResolved{
			ID:     id,
			Status: types.ReviewRejected,
		})
	}
	return ids, nil
}

// ListReviewItems returns review items matching the filter, oldest first so
// the queue is worked in arrival order.
func (s *Store) ListReviewItems(ctx context.Context, filter types.ReviewFilter, page types.Page) ([]*types.ReviewItem, string, error) {
	limit, _ := page.Normalized()
	qb := newQueryBuilder(`SELECT ` + reviewColumns + ` FROM review_queue`)
	applyReviewFilter(qb, filter)
	if page.Cursor != "" {
		cur, err := storage.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
		k, err := storage.ParseTimeKey(cur.K)
		if err != nil {
			return nil, "", err
		}
		qb.where("(created_at, id) > (?, ?)", k, cur.ID)
	}
	qb.orderBy("created_at ASC, id ASC")
	qb.limit(limit + 1)

	var rows []reviewRow
	query, args := qb.build()
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, "", translateError(err, "listing review items")
	}

	items := make([]*types.ReviewItem, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toDomain())
	}
	var next string
	if len(items) > limit {
		items = items[:limit]
		last := items[limit-1]
		next = storage.Cursor{K: storage.TimeKey(last.CreatedAt), ID: last.ID}.Encode()
	}
	return items, next, nil
}

// CountReviewItems returns the number of review items matching the filter.
func (s *Store) CountReviewItems(ctx context.Context, filter types.ReviewFilter) (int, error) {
	qb := newQueryBuilder(`SELECT COUNT(*) FROM review_queue`)
	applyReviewFilter(qb, filter)

	var count int
	query, args := qb.build()
	if err := sqlx.GetContext(ctx, s.db, &count, query, args...); err != nil {
		return 0, translateError(err, "counting review items")
	}
	return count, nil
}

func applyReviewFilter(qb *queryBuilder, filter types.ReviewFilter) {
	if filter.Status != nil {
		qb.where("status = ?", *filter.Status)
	}
	if filter.ReviewType != nil {
		qb.where("review_type = ?", *filter.ReviewType)
	}
	if filter.ProjectID != nil {
		qb.where("project_id = ?", *filter.ProjectID)
	}
	if filter.EntityID != nil {
		qb.where("entity_id = ?", *filter.EntityID)
	}
}

// ListResolvedReviewsForExport returns resolved items carrying a training
// comment in [since, until), sorted by (resolvedAt, id) so exports are
// deterministic.
func (s *Store) ListResolvedReviewsForExport(ctx context.Context, since, until time.Time) ([]*types.ReviewItem, error) {
	var rows []reviewRow
	err := sqlx.SelectContext(ctx, s.db, &rows, `
		SELECT `+reviewColumns+` FROM review_queue
		WHERE status <> $1
			AND training_comment IS NOT NULL
			AND resolved_at >= $2 AND resolved_at < $3
		ORDER BY resolved_at ASC, id ASC`,
		types.ReviewPending, since.UTC(), until.UTC())
	if err != nil {
		return nil, translateError(err, "listing resolved reviews for export")
	}
	items := make([]*types.ReviewItem, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toDomain())
	}
	return items, nil
}
