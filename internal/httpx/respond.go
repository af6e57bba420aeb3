// Package httpx holds the JSON response helpers shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/example/offline-sync/internal/storage"
	"github.com/example/offline-sync/internal/syncerr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// WriteJSON encodes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	}
	switch syncerr.KindOf(err) {
	case syncerr.KindValidation:
		return http.StatusBadRequest
	case syncerr.KindAuthorization:
		return http.StatusForbidden
	case syncerr.KindNotFound:
		return http.StatusNotFound
	case syncerr.KindState:
		return http.StatusConflict
	case syncerr.KindDomainRejected:
		return http.StatusUnprocessableEntity
	case syncerr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError maps err to a status and writes it. Internal errors are logged
// and their text withheld.
func WriteError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := StatusFor(err)
	body := ErrorBody{Error: err.Error(), Kind: string(syncerr.KindOf(err))}
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
		body = ErrorBody{Error: http.StatusText(status)}
	}
	WriteJSON(w, status, body)
}

// DecodeJSON reads a JSON request body into v, rejecting unknown fields.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return syncerr.Validation("invalid request body: %v", err)
	}
	return nil
}
