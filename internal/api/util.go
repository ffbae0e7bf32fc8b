package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/org/keybackup/internal/auth"
	"github.com/org/keybackup/internal/kerrors"
	"github.com/org/keybackup/internal/storage"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

type errorBody struct {
	Code    string               `json:"code"`
	Message string               `json:"message"`
	Errors  []kerrors.FieldError `json:"errors,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Code: http.StatusText(code), Message: msg})
}

// sendError maps domain errors onto the wire: invalid params 422, not
// found 404, conflicts 409, bad credentials 401, everything else an
// opaque 500 whose cause goes only to the log.
func sendError(w http.ResponseWriter, r *http.Request, err error) {
	var ipe *kerrors.InvalidParamsError
	switch {
	case errors.As(err, &ipe):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code:    "InvalidParameters",
			Message: ipe.Message,
			Errors:  ipe.Errors,
		})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, storage.ErrEtagConflict):
		writeError(w, http.StatusConflict, "etag mismatch")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).
			Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
