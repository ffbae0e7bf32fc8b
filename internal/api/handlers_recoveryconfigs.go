package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/org/keybackup/internal/kerrors"
	"github.com/org/keybackup/internal/registry"
	"github.com/org/keybackup/internal/transition"
	"github.com/org/keybackup/internal/validate"
)

// RecoveryConfigCreateHandler persists a new configuration from its
// eBox template. Re-submitting the same template is a conflict, since
// the uuid is a deterministic function of the template.
func (s *Server) RecoveryConfigCreateHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Template string `json:"template"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg, etag, err := s.configs.Create(r.Context(), body.Template)
	if err != nil {
		sendError(w, r, err)
		return
	}
	w.Header().Set("Etag", etag)
	writeJSON(w, http.StatusCreated, cfg)
}

// RecoveryConfigListHandler lists configurations, optionally filtered
// by lifecycle state (?state=created|staged|active|expired).
func (s *Server) RecoveryConfigListHandler(w http.ResponseWriter, r *http.Request) {
	f, err := registry.StatusFilter(r.URL.Query().Get("state"))
	if err != nil {
		sendError(w, r, kerrors.NewInvalidParams("invalid parameters",
			kerrors.InvalidParam("state", err.Error())))
		return
	}
	cfgs, err := s.configs.List(r.Context(), f)
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfgs)
}

// RecoveryConfigGetHandler returns one configuration.
func (s *Server) RecoveryConfigGetHandler(w http.ResponseWriter, r *http.Request) {
	cfg, etag, err := s.configs.Get(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	w.Header().Set("Etag", etag)
	writeJSON(w, http.StatusOK, cfg)
}

// RecoveryConfigUpdateHandler sets or clears lifecycle timestamps
// directly. Normal operation goes through transitions; this is the
// operator escape hatch and carries the same field restrictions.
func (s *Server) RecoveryConfigUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Set   map[string]string `json:"set"`
		Clear []string          `json:"clear"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	set := make(map[string]time.Time, len(body.Set))
	for k, v := range body.Set {
		t, fe := validate.Timestamp(k, v)
		if fe != nil {
			sendError(w, r, kerrors.NewInvalidParams("invalid parameters", *fe))
			return
		}
		set[k] = t.UTC()
	}
	cfg, etag, err := s.configs.Update(r.Context(), chi.URLParam(r, "uuid"),
		r.Header.Get("If-Match"), set, body.Clear)
	if err != nil {
		sendError(w, r, err)
		return
	}
	w.Header().Set("Etag", etag)
	writeJSON(w, http.StatusOK, cfg)
}

// RecoveryConfigDeleteHandler removes a configuration.
func (s *Server) RecoveryConfigDeleteHandler(w http.ResponseWriter, r *http.Request) {
	err := s.configs.Delete(r.Context(), chi.URLParam(r, "uuid"), r.Header.Get("If-Match"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecoveryConfigReactivateHandler resets an expired configuration back
// to NEW.
func (s *Server) RecoveryConfigReactivateHandler(w http.ResponseWriter, r *http.Request) {
	cfg, etag, err := s.configs.Reactivate(r.Context(), chi.URLParam(r, "uuid"),
		r.Header.Get("If-Match"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	w.Header().Set("Etag", etag)
	writeJSON(w, http.StatusOK, cfg)
}

// RecoveryConfigActionHandler creates a transition
// (stage/unstage/activate/deactivate) for the configuration and kicks
// the engine in the background. The response is the fresh transition
// record; progress is watched via GET /transitions/{uuid}.
func (s *Server) RecoveryConfigActionHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Targets     []string `json:"targets"`
		Concurrency int      `json:"concurrency"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, etag, err := s.engine.Create(r.Context(), transition.CreateParams{
		RecoveryConfigUUID: chi.URLParam(r, "uuid"),
		Name:               chi.URLParam(r, "action"),
		Targets:            body.Targets,
		Concurrency:        body.Concurrency,
	})
	if err != nil {
		sendError(w, r, err)
		return
	}

	transitionsStarted.WithLabelValues(t.Name).Inc()
	runCtx := context.WithoutCancel(r.Context())
	go func() {
		transitionsRunning.Inc()
		defer transitionsRunning.Dec()
		if err := s.engine.Run(runCtx, t.UUID, transition.RunOptions{}); err != nil {
			log.Error().Err(err).Str("transition", t.UUID).Msg("transition run failed")
		}
	}()

	w.Header().Set("Etag", etag)
	writeJSON(w, http.StatusAccepted, t)
}
