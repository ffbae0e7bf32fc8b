package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// TransitionListHandler lists transitions, optionally for one
// configuration (?recovery_config_uuid=).
func (s *Server) TransitionListHandler(w http.ResponseWriter, r *http.Request) {
	ts, err := s.engine.List(r.Context(), r.URL.Query().Get("recovery_config_uuid"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// TransitionGetHandler returns one transition; clients poll this to
// watch progress.
func (s *Server) TransitionGetHandler(w http.ResponseWriter, r *http.Request) {
	t, etag, err := s.engine.Get(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	w.Header().Set("Etag", etag)
	writeJSON(w, http.StatusOK, t)
}

// TransitionAbortHandler requests cancellation of a running
// transition.
func (s *Server) TransitionAbortHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Abort(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
