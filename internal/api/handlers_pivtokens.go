package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/keybackup/internal/auth"
	"github.com/org/keybackup/internal/registry"
	"github.com/org/keybackup/internal/storage"
	"github.com/org/keybackup/pkg/models"
)

// PIVTokenCreateHandler creates a PIVToken and its first recovery
// token. A duplicate guid is a conflict, unless the request carries a
// valid signature for that guid: a re-enrolling node gets its existing
// record back instead of an error.
func (s *Server) PIVTokenCreateHandler(w http.ResponseWriter, r *http.Request) {
	var params registry.PIVTokenParams
	if err := decodeJSON(r, &params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tok, err := s.tokens.Create(r.Context(), params)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			if _, verr := s.verifier.Verify(r, params.GUID); verr == nil {
				existing, _, gerr := s.tokens.GetPin(r.Context(), params.GUID)
				if gerr == nil {
					writeJSON(w, http.StatusOK, existing)
					return
				}
			}
		}
		sendError(w, r, err)
		return
	}
	pivtokensCreated.Inc()
	writeJSON(w, http.StatusCreated, tok)
}

// PIVTokenListHandler lists tokens, sensitive fields stripped.
func (s *Server) PIVTokenListHandler(w http.ResponseWriter, r *http.Request) {
	var f storage.Filter
	if cn := r.URL.Query().Get("cn_uuid"); cn != "" {
		f = storage.And(storage.Eq("cn_uuid", cn))
	}
	toks, err := s.tokens.List(r.Context(), f)
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toks)
}

// PIVTokenGetHandler returns one token, sensitive fields stripped.
func (s *Server) PIVTokenGetHandler(w http.ResponseWriter, r *http.Request) {
	tok, etag, err := s.tokens.Get(r.Context(), chi.URLParam(r, "guid"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	w.Header().Set("Etag", etag)
	writeJSON(w, http.StatusOK, tok)
}

// PIVTokenGetPinHandler returns the full record including the pin.
// Reached only through signature auth.
func (s *Server) PIVTokenGetPinHandler(w http.ResponseWriter, r *http.Request) {
	tok, etag, err := s.tokens.GetPin(r.Context(), chi.URLParam(r, "guid"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	w.Header().Set("Etag", etag)
	writeJSON(w, http.StatusOK, tok)
}

// PIVTokenUpdateHandler changes the owning compute node.
func (s *Server) PIVTokenUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var changes map[string]string
	if err := decodeJSON(r, &changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tok, etag, err := s.tokens.Update(r.Context(), chi.URLParam(r, "guid"),
		r.Header.Get("If-Match"), changes)
	if err != nil {
		sendError(w, r, err)
		return
	}
	w.Header().Set("Etag", etag)
	writeJSON(w, http.StatusOK, tok)
}

// PIVTokenDeleteHandler removes a token and its recovery tokens
// atomically.
func (s *Server) PIVTokenDeleteHandler(w http.ResponseWriter, r *http.Request) {
	err := s.tokens.Delete(r.Context(), chi.URLParam(r, "guid"), r.Header.Get("If-Match"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PIVTokenRecoverHandler replaces a lost or compromised token. Reached
// only through HMAC auth with one of the token's recovery tokens.
func (s *Server) PIVTokenRecoverHandler(w http.ResponseWriter, r *http.Request) {
	var params registry.PIVTokenParams
	if err := decodeJSON(r, &params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	principal := auth.PrincipalFromCtx(r.Context())
	tok, err := s.tokens.Recover(r.Context(), principal.GUID, params)
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

// PIVTokenHistoryHandler returns the archived states for a guid.
func (s *Server) PIVTokenHistoryHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.history.Get(r.Context(), chi.URLParam(r, "guid"))
	if err != nil {
		sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, []models.PIVTokenHistory{*rec})
}
