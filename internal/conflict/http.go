package conflict

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/example/offline-sync/internal/auth"
	"github.com/example/offline-sync/internal/httpx"
	"github.com/example/offline-sync/internal/storage"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
)

// View is the client-facing shape of a conflict.
type View struct {
	types.SyncConflict
	Kind        Kind               `json:"kind"`
	Resolutions []types.Resolution `json:"resolutions"`
}

// NewView decorates c with its kind and the resolutions still available.
func NewView(c types.SyncConflict) View {
	resolutions := c.Resolutions()
	if resolutions == nil {
		resolutions = []types.Resolution{}
	}
	return View{SyncConflict: c, Kind: KindOf(c), Resolutions: resolutions}
}

// HTTPHandler serves the conflict endpoints for the session user.
type HTTPHandler struct {
	resolver *Resolver
	logger   zerolog.Logger
}

// NewHTTPHandler builds the conflict handlers.
func NewHTTPHandler(resolver *Resolver, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{resolver: resolver, logger: logger}
}

// List serves GET /sync/conflicts?status=.
func (h *HTTPHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())
	filter := storage.ConflictFilter{TenantID: sess.TenantID, UserID: sess.UserID}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Resolution = types.Resolution(status)
		if !filter.Resolution.Valid() {
			httpx.WriteError(w, h.logger, syncerr.Validation("unknown status %q", status))
			return
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			httpx.WriteError(w, h.logger, syncerr.Validation("invalid limit"))
			return
		}
		filter.Limit = n
	}

	conflicts, err := h.resolver.List(r.Context(), filter)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	views := make([]View, 0, len(conflicts))
	for _, c := range conflicts {
		views = append(views, NewView(c))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"conflicts": views})
}

// Get serves GET /sync/conflicts/{id}.
func (h *HTTPHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, NewView(c))
}

// Resolve serves POST /sync/conflicts/{id}/resolve.
func (h *HTTPHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	var req Request
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	sess, _ := auth.FromContext(r.Context())
	req.ResolvedBy = string(sess.UserID)

	resolved, entry, err := h.resolver.Resolve(r.Context(), sess.TenantID, c.ID, req)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"conflict": NewView(resolved),
		"entry":    entry,
	})
}

func (h *HTTPHandler) load(w http.ResponseWriter, r *http.Request) (types.SyncConflict, bool) {
	sess, _ := auth.FromContext(r.Context())
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httpx.WriteError(w, h.logger, syncerr.Validation("invalid conflict id"))
		return types.SyncConflict{}, false
	}
	c, err := h.resolver.Get(r.Context(), sess.TenantID, id)
	if err == nil && c.UserID != sess.UserID {
		err = syncerr.NotFound("conflict %d not found", id)
	}
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return types.SyncConflict{}, false
	}
	return c, true
}
