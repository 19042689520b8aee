package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/types"
)

type createEntityRequest struct {
	Type         types.EntityType   `json:"type"`
	Content      string             `json:"content"`
	Status       types.EntityStatus `json:"status"`
	ProjectID    *string            `json:"projectId"`
	EpicID       *string            `json:"epicId"`
	ParentTaskID *string            `json:"parentTaskId"`
	AssigneeID   *string            `json:"assigneeId"`
	Attributes   types.Attributes   `json:"attributes"`
}

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req createEntityRequest
	if err := decodeBody(r, &req); err != nil {
		s.error(w, r, err)
		return
	}

	entity := &types.Entity{
		Type:         req.Type,
		Content:      req.Content,
		Status:       req.Status,
		ProjectID:    req.ProjectID,
		EpicID:       req.EpicID,
		ParentTaskID: req.ParentTaskID,
		AssigneeID:   req.AssigneeID,
		Attributes:   req.Attributes,
	}
	created, err := s.store.CreateEntity(r.Context(), entity, s.actor(r))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := s.store.GetEntity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	page, clamped, err := parsePage(r)
	if err != nil {
		s.error(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := types.EntityFilter{
		ProjectID:     optString(q, "projectId"),
		EpicID:        optString(q, "epicId"),
		AssigneeID:    optString(q, "assigneeId"),
		TagID:         optString(q, "tagId"),
		ParentTaskID:  optString(q, "parentTaskId"),
		RawNoteID:     optString(q, "rawNoteId"),
		ContentSearch: q.Get("q"),
	}
	if raw := q.Get("type"); raw != "" {
		t := types.EntityType(raw)
		if !t.IsValid() {
			s.error(w, r, fault.Validation("unknown entity type "+raw,
				fault.Issue{Path: "type", Message: "unknown type"}))
			return
		}
		filter.Type = &t
	}
	if raw := q.Get("status"); raw != "" {
		st := types.EntityStatus(raw)
		if filter.Type != nil && !st.ValidFor(*filter.Type) {
			s.error(w, r, fault.Validation("status "+raw+" is not valid for type "+string(*filter.Type),
				fault.Issue{Path: "status", Message: "not valid for requested type"}))
			return
		}
		filter.Status = &st
	}
	if filter.IncludeDeleted, err = optBool(q, "includeDeleted"); err != nil {
		s.error(w, r, err)
		return
	}

	entities, next, err := s.store.ListEntities(r.Context(), filter, page)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: entities, NextCursor: next, LimitClamped: clamped})
}

// handlePatchEntity applies a tri-state patch: absent keys stay, null keys
// clear, valued keys set.
func (s *Server) handlePatchEntity(w http.ResponseWriter, r *http.Request) {
	updates, err := decodePatch(r)
	if err != nil {
		s.error(w, r, err)
		return
	}
	entity, err := s.store.PatchEntity(r.Context(), chi.URLParam(r, "id"), updates, s.actor(r))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

type transitionRequest struct {
	NewStatus types.EntityStatus `json:"newStatus"`
}

// handleTransitionStatus moves an entity through its per-type status
// machine. Transitioning to the current status is a no-op.
func (s *Server) handleTransitionStatus(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	if req.NewStatus == "" {
		s.error(w, r, fault.Validation("newStatus is required",
			fault.Issue{Path: "newStatus", Message: "required"}))
		return
	}
	entity, err := s.store.TransitionEntityStatus(r.Context(), chi.URLParam(r, "id"), req.NewStatus, s.actor(r))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleListEntityEvents(w http.ResponseWriter, r *http.Request) {
	page, clamped, err := parsePage(r)
	if err != nil {
		s.error(w, r, err)
		return
	}
	order := types.SortOrder(r.URL.Query().Get("order"))
	events, next, err := s.store.ListEntityEvents(r.Context(), chi.URLParam(r, "id"), order, page)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: events, NextCursor: next, LimitClamped: clamped})
}

type addEventRequest struct {
	Type types.EventType `json:"type"`
	Body string          `json:"body"`
	Meta map[string]any  `json:"meta"`
}

// handleAddComment appends a comment to an entity's event log. Other event
// types are system generated and cannot be posted.
func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req addEventRequest
	if err := decodeBody(r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	if req.Type != types.EventComment {
		s.error(w, r, fault.Validation("only comment events can be posted",
			fault.Issue{Path: "type", Message: "must be comment"}))
		return
	}

	ev := &types.EntityEvent{
		EntityID:    chi.URLParam(r, "id"),
		Type:        types.EventComment,
		ActorUserID: s.actor(r),
		Body:        &req.Body,
		Meta:        req.Meta,
	}
	created, err := s.store.AddEntityEvent(r.Context(), ev)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type setTagsRequest struct {
	TagIDs []string `json:"tagIds"`
}

// handleSetEntityTags replaces the entity's tag set and returns the
// post-image.
func (s *Server) handleSetEntityTags(w http.ResponseWriter, r *http.Request) {
	var req setTagsRequest
	if err := decodeBody(r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.SetEntityTags(r.Context(), id, req.TagIDs); err != nil {
		s.error(w, r, err)
		return
	}
	entity, err := s.store.GetEntity(r.Context(), id)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}
