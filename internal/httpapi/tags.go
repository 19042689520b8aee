package httpapi

import "net/http"

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.ListTags(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tags})
}

type createTagRequest struct {
	Name string `json:"name"`
}

// handleCreateTag creates a tag. Tag names are lowercased; creating an
// existing tag returns the stored one.
func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req createTagRequest
	if err := decodeBody(r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	tag, err := s.store.CreateTag(r.Context(), req.Name)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}
