package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/types"
)

// handleListProjects lists projects. Without a status parameter only active
// projects are returned; status=all lifts the filter.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	page, clamped, err := parsePage(r)
	if err != nil {
		s.error(w, r, err)
		return
	}

	q := r.URL.Query()
	var filter types.ProjectFilter
	switch raw := q.Get("status"); raw {
	case "":
		active := types.ProjectActive
		filter.Status = &active
	case "all":
	default:
		st := types.ProjectStatus(raw)
		if !st.IsValid() {
			s.error(w, r, fault.Validation("unknown project status "+raw,
				fault.Issue{Path: "status", Message: "must be active, archived, or all"}))
			return
		}
		filter.Status = &st
	}
	if filter.IncludeDeleted, err = optBool(q, "includeDeleted"); err != nil {
		s.error(w, r, err)
		return
	}

	projects, next, err := s.store.ListProjects(r.Context(), filter, page)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: projects, NextCursor: next, LimitClamped: clamped})
}

type createProjectRequest struct {
	Name        string              `json:"name"`
	Description *string             `json:"description"`
	Status      types.ProjectStatus `json:"status"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	created, err := s.store.CreateProject(r.Context(), &types.Project{
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
	})
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handlePatchProject(w http.ResponseWriter, r *http.Request) {
	updates, err := decodePatch(r)
	if err != nil {
		s.error(w, r, err)
		return
	}
	project, err := s.store.PatchProject(r.Context(), chi.URLParam(r, "id"), updates)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleProjectDashboard(w http.ResponseWriter, r *http.Request) {
	dashboard, err := s.store.ProjectDashboard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (s *Server) handleListEpics(w http.ResponseWriter, r *http.Request) {
	page, clamped, err := parsePage(r)
	if err != nil {
		s.error(w, r, err)
		return
	}

	q := r.URL.Query()
	projectID := q.Get("projectId")
	if projectID == "" {
		s.error(w, r, fault.Validation("projectId is required",
			fault.Issue{Path: "projectId", Message: "required"}))
		return
	}
	filter := types.EpicFilter{ProjectID: projectID}
	if filter.IncludeDeleted, err = optBool(q, "includeDeleted"); err != nil {
		s.error(w, r, err)
		return
	}

	epics, next, err := s.store.ListEpics(r.Context(), filter, page)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: epics, NextCursor: next, LimitClamped: clamped})
}

type createEpicRequest struct {
	ProjectID   string  `json:"projectId"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

func (s *Server) handleCreateEpic(w http.ResponseWriter, r *http.Request) {
	var req createEpicRequest
	if err := decodeBody(r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	created, err := s.store.CreateEpic(r.Context(), &types.Epic{
		ProjectID:   req.ProjectID,
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   types.CreatorUser,
	})
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handlePatchEpic(w http.ResponseWriter, r *http.Request) {
	updates, err := decodePatch(r)
	if err != nil {
		s.error(w, r, err)
		return
	}
	epic, err := s.store.PatchEpic(r.Context(), chi.URLParam(r, "id"), updates)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, epic)
}
