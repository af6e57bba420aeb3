package ingest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/offline-sync/internal/auth"
	"github.com/example/offline-sync/internal/httpx"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
)

// SubmitRequest is the body of POST /sync/entries.
type SubmitRequest struct {
	Entries []types.Submission `json:"entries"`
}

// SubmitResponse reports one result per submission, in request order.
type SubmitResponse struct {
	Results []ItemResult `json:"results"`
}

// HTTPHandler serves the entry endpoints.
type HTTPHandler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHTTPHandler(service *Service, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{service: service, logger: logger}
}

// Submit serves POST /sync/entries.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())
	var req SubmitRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	results, err := h.service.Submit(r.Context(), sess, req.Entries)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, SubmitResponse{Results: results})
}

// List serves GET /sync/entries?uuid= and GET /sync/entries?since=.
func (h *HTTPHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())
	q := r.URL.Query()

	if id := q.Get("uuid"); id != "" {
		view, err := h.service.Lookup(r.Context(), sess, id)
		if err != nil {
			httpx.WriteError(w, h.logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": []EntryView{view}})
		return
	}

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			httpx.WriteError(w, h.logger, syncerr.Validation("since must be an RFC 3339 timestamp"))
			return
		}
		since = t
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.WriteError(w, h.logger, syncerr.Validation("invalid limit"))
			return
		}
		limit = n
	}

	views, err := h.service.Since(r.Context(), sess, since, limit)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": views})
}
