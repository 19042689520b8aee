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

type noteRow struct {
	ID          string     `db:"id"`
	Content     string     `db:"content"`
	Source      string     `db:"source"`
	SourceMeta  []byte     `db:"source_meta"`
	ExternalID  *string    `db:"external_id"`
	DedupeHash  string     `db:"dedupe_hash"`
	CapturedAt  time.Time  `db:"captured_at"`
	CapturedBy  *string    `db:"captured_by"`
	Processed   bool       `db:"processed"`
	ProcessedAt *time.Time `db:"processed_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r *noteRow) toDomain() (*types.RawNote, error) {
	n := &types.RawNote{
		ID:          r.ID,
		Content:     r.Content,
		Source:      types.NoteSource(r.Source),
		ExternalID:  r.ExternalID,
		DedupeHash:  r.DedupeHash,
		CapturedAt:  r.CapturedAt,
		CapturedBy:  r.CapturedBy,
		Processed:   r.Processed,
		ProcessedAt: r.ProcessedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := unmarshalJSONB(r.SourceMeta, &n.SourceMeta); err != nil {
		return nil, err
	}
	return n, nil
}

const noteColumns = `id, content, source, source_meta, external_id, dedupe_hash,
	captured_at, captured_by, processed, processed_at, created_at, updated_at`

// CaptureNote inserts the note idempotently. When a note with the same
// (source, externalId) or the same dedupe hash already exists, the existing
// row is returned with deduped = true and nothing is written.
func (s *Store) CaptureNote(ctx context.Context, note *types.RawNote) (*types.RawNote, bool, error) {
	if err := note.Validate(); err != nil {
		return nil, false, fault.Validation(err.Error())
	}
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.CapturedAt.IsZero() {
		note.CapturedAt = nowUTC()
	} else {
		note.CapturedAt = note.CapturedAt.UTC()
	}
	if note.DedupeHash == "" {
		note.DedupeHash = note.ComputeDedupeHash()
	}

	meta, err := marshalJSONB(note.SourceMeta)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_notes (id, content, source, source_meta, external_id, dedupe_hash, captured_at, captured_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		note.ID, note.Content, note.Source, meta, note.ExternalID, note.DedupeHash, note.CapturedAt, note.CapturedBy)
	if err != nil {
		return nil, false, translateError(err, "capturing note")
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the idempotency race or re-submitted: hand back the winner.
		existing, err := s.findExistingNote(ctx, note)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	created, err := getNote(ctx, s.db, note.ID)
	if err != nil {
		return nil, false, err
	}
	return created, false, nil
}

func (s *Store) findExistingNote(ctx context.Context, note *types.RawNote) (*types.RawNote, error) {
	var row noteRow
	var err error
	if note.ExternalID != nil {
		err = sqlx.GetContext(ctx, s.db, &row,
			`SELECT `+noteColumns+` FROM raw_notes WHERE source = $1 AND external_id = $2`,
			note.Source, *note.ExternalID)
	} else {
		err = sqlx.GetContext(ctx, s.db, &row,
			`SELECT `+noteColumns+` FROM raw_notes WHERE dedupe_hash = $1 AND external_id IS NULL`,
			note.DedupeHash)
	}
	if err != nil {
		return nil, translateError(err, "loading deduplicated note")
	}
	return row.toDomain()
}

func getNote(ctx context.Context, q queryer, id string) (*types.RawNote, error) {
	var row noteRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+noteColumns+` FROM raw_notes WHERE id = $1`, id)
	if err != nil {
		return nil, translateError(err, "loading note "+id)
	}
	return row.toDomain()
}

// GetNote returns one note by id.
func (s *Store) GetNote(ctx context.Context, id string) (*types.RawNote, error) {
	return getNote(ctx, s.db, id)
}

// GetNote returns one note by id inside the transaction.
func (t *pgTx) GetNote(ctx context.Context, id string) (*types.RawNote, error) {
	return getNote(ctx, t.tx, id)
}

// ListNotes returns notes in capture order, newest first.
func (s *Store) ListNotes(ctx context.Context, filter types.NoteFilter, page types.Page) ([]*types.RawNote, string, error) {
	limit, _ := page.Normalized()

	qb := newQueryBuilder(`SELECT ` + noteColumns + ` FROM raw_notes`)
	if filter.Source != nil {
		qb.where("source = ?", *filter.Source)
	}
	if filter.Processed != nil {
		qb.where("processed = ?", *filter.Processed)
	}
	if filter.CapturedBy != nil {
		qb.where("captured_by = ?", *filter.CapturedBy)
	}
	if filter.Since != nil {
		qb.where("captured_at >= ?", filter.Since.UTC())
	}
	if filter.Until != nil {
		qb.where("captured_at <= ?", filter.Until.UTC())
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
		qb.where("(captured_at, id) < (?, ?)", k, cur.ID)
	}
	qb.orderBy("captured_at DESC, id DESC")
	qb.limit(limit + 1)

	var rows []noteRow
	query, args := qb.build()
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, "", translateError(err, "listing notes")
	}

	notes := make([]*types.RawNote, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toDomain()
		if err != nil {
			return nil, "", err
		}
		notes = append(notes, n)
	}

	var next string
	if len(notes) > limit {
		notes = notes[:limit]
		last := notes[limit-1]
		next = storage.Cursor{K: storage.TimeKey(last.CapturedAt), ID: last.ID}.Encode()
	}
	return notes, next, nil
}

// MarkNoteProcessed flips the note to processed. Idempotent: re-marking an
// already processed note leaves processed_at unchanged.
func (t *pgTx) MarkNoteProcessed(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE raw_notes SET processed = TRUE, processed_at = COALESCE(processed_at, now())
		WHERE id = $1`, id)
	if err != nil {
		return translateError(err, "marking note processed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.NotFound("note", id)
	}
	return nil
}

// ResetNoteProcessing returns the note to the unprocessed state ahead of a
// reprocess run.
func (t *pgTx) ResetNoteProcessing(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE raw_notes SET processed = FALSE, processed_at = NULL
		WHERE id = $1`, id)
	if err != nil {
		return translateError(err, "resetting note processing")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.NotFound("note", id)
	}
	return nil
}
