package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/jobs"
	"github.com/inkwell-pm/inkwell/internal/pipeline"
	"github.com/inkwell-pm/inkwell/internal/types"
)

type captureRequest struct {
	Content    string           `json:"content"`
	Source     types.NoteSource `json:"source"`
	SourceMeta map[string]any   `json:"sourceMeta"`
	CapturedAt *time.Time       `json:"capturedAt"`
	ExternalID *string          `json:"externalId"`
}

type captureResponse struct {
	*types.RawNote
	Deduped bool `json:"deduped"`
}

// handleCaptureNote ingests a note and books its extraction. Capture is
// idempotent: a repeat of the same input returns the existing note with
// deduped true and does not touch the queue again.
func (s *Server) handleCaptureNote(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeBody(r, &req); err != nil {
		s.error(w, r, err)
		return
	}

	note := &types.RawNote{
		Content:    req.Content,
		Source:     req.Source,
		SourceMeta: req.SourceMeta,
		ExternalID: req.ExternalID,
		CapturedBy: s.actor(r),
	}
	if req.CapturedAt != nil {
		note.CapturedAt = *req.CapturedAt
	}

	created, deduped, err := s.store.CaptureNote(r.Context(), note)
	if err != nil {
		s.error(w, r, err)
		return
	}

	if !deduped {
		_, _, err := s.queue.Enqueue(r.Context(), jobs.QueueExtract, created.ID,
			pipeline.ExtractPayload{NoteID: created.ID})
		if err != nil {
			// The note is committed; a lost booking is recoverable through
			// reprocess, a failed capture retry would dedup and never book.
			s.logger.Error("enqueueing extraction failed",
				zap.String("noteId", created.ID), zap.Error(err))
		}
	}

	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, captureResponse{RawNote: created, Deduped: deduped})
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	page, clamped, err := parsePage(r)
	if err != nil {
		s.error(w, r, err)
		return
	}

	q := r.URL.Query()
	var filter types.NoteFilter
	if raw := q.Get("source"); raw != "" {
		src := types.NoteSource(raw)
		if !src.IsValid() {
			s.error(w, r, fault.Validation("unknown source "+raw,
				fault.Issue{Path: "source", Message: "unknown source"}))
			return
		}
		filter.Source = &src
	}
	if raw := q.Get("processed"); raw != "" {
		b, err := optBool(q, "processed")
		if err != nil {
			s.error(w, r, err)
			return
		}
		filter.Processed = &b
	}
	if filter.Since, err = optTime(q, "since"); err != nil {
		s.error(w, r, err)
		return
	}
	if filter.Until, err = optTime(q, "until"); err != nil {
		s.error(w, r, err)
		return
	}

	notes, next, err := s.store.ListNotes(r.Context(), filter, page)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: notes, NextCursor: next, LimitClamped: clamped})
}

// handleReprocessNote books a reprocess run for one note. Unlike capture,
// a queue failure here fails the request: nothing was committed, so the
// client can simply retry.
func (s *Server) handleReprocessNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetNote(r.Context(), id); err != nil {
		s.error(w, r, err)
		return
	}

	jobID, deduped, err := s.queue.Enqueue(r.Context(), jobs.QueueReprocess, id,
		pipeline.ReprocessPayload{NoteID: id})
	if err != nil {
		s.error(w, r, fault.Upstream(err, "enqueueing reprocess for note %s", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": jobID, "deduped": deduped})
}
