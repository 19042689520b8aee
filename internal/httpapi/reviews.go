package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/types"
)

func reviewFilterFromQuery(r *http.Request) (types.ReviewFilter, error) {
	q := r.URL.Query()
	filter := types.ReviewFilter{
		ProjectID: optString(q, "projectId"),
		EntityID:  optString(q, "entityId"),
	}
	if raw := q.Get("status"); raw != "" {
		st := types.ReviewStatus(raw)
		if !st.IsValid() {
			return filter, fault.Validation("unknown review status "+raw,
				fault.Issue{Path: "status", Message: "unknown status"})
		}
		filter.Status = &st
	}
	if raw := q.Get("reviewType"); raw != "" {
		rt := types.ReviewType(raw)
		if !rt.IsValid() {
			return filter, fault.Validation("unknown review type "+raw,
				fault.Issue{Path: "reviewType", Message: "unknown review type"})
		}
		filter.ReviewType = &rt
	}
	return filter, nil
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	page, clamped, err := parsePage(r)
	if err != nil {
		s.error(w, r, err)
		return
	}
	filter, err := reviewFilterFromQuery(r)
	if err != nil {
		s.error(w, r, err)
		return
	}

	items, next, err := s.store.ListReviewItems(r.Context(), filter, page)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, NextCursor: next, LimitClamped: clamped})
}

func (s *Server) handleCountReviews(w http.ResponseWriter, r *http.Request) {
	filter, err := reviewFilterFromQuery(r)
	if err != nil {
		s.error(w, r, err)
		return
	}
	count, err := s.store.CountReviewItems(r.Context(), filter)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// handleResolveReview resolves one pending item. A second resolution of the
// same item conflicts; the id in the path wins over any id in the body.
func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	var res types.Resolution
	if err := decodeBody(r, &res); err != nil {
		s.error(w, r, err)
		return
	}
	res.ID = chi.URLParam(r, "id")

	item, err := s.reviews.Resolve(r.Context(), res, s.actor(r))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type resolveBatchRequest struct {
	Resolutions []types.Resolution `json:"resolutions"`
}

// handleResolveBatch resolves items sequentially, stopping at the first
// failure; the response reports each item's outcome.
func (s *Server) handleResolveBatch(w http.ResponseWriter, r *http.Request) {
	var req resolveBatchRequest
	if err := decodeBody(r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	if len(req.Resolutions) == 0 {
		s.error(w, r, fault.Validation("resolutions must not be empty",
			fault.Issue{Path: "resolutions", Message: "required"}))
		return
	}

	outcomes := s.reviews.ResolveBatch(r.Context(), req.Resolutions, s.actor(r))
	writeJSON(w, http.StatusOK, outcomes)
}
