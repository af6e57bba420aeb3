// Package api assembles the public HTTP surface of syncd.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/example/offline-sync/internal/auth"
	"github.com/example/offline-sync/internal/conflict"
	"github.com/example/offline-sync/internal/httpx"
	"github.com/example/offline-sync/internal/ingest"
)

// Deps are the handlers and collaborators the router mounts.
type Deps struct {
	Authenticator auth.Authenticator
	Entries       *ingest.HTTPHandler
	Conflicts     *conflict.HTTPHandler
	// Events serves the websocket status feed; it authenticates on its own.
	Events http.Handler
	// Health reports dependency health for /healthz.
	Health func(ctx context.Context) error
	// Metrics is mounted at /metrics when no separate listener is used.
	Metrics http.Handler
	Logger  zerolog.Logger
}

// NewRouter builds the service mux.
func NewRouter(d Deps) http.Handler {
	if d.Authenticator == nil {
		d.Authenticator = auth.HeaderAuthenticator{}
	}

	synced := http.NewServeMux()
	synced.HandleFunc("POST /sync/entries", d.Entries.Submit)
	synced.HandleFunc("GET /sync/entries", d.Entries.List)
	synced.HandleFunc("GET /sync/conflicts", d.Conflicts.List)
	synced.HandleFunc("GET /sync/conflicts/{id}", d.Conflicts.Get)
	synced.HandleFunc("POST /sync/conflicts/{id}/resolve", d.Conflicts.Resolve)

	mux := http.NewServeMux()
	mux.Handle("/sync/", accessLog(d.Logger, auth.Middleware(d.Authenticator, d.Logger, synced)))
	if d.Events != nil {
		// Upgraded connections bypass the access log wrapper.
		mux.Handle("GET /sync/events", d.Events)
	}
	mux.Handle("GET /healthz", accessLog(d.Logger, healthHandler(d.Health, d.Logger)))
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	return mux
}

func accessLog(logger zerolog.Logger, next http.Handler) http.Handler {
	h := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(next)
	h = hlog.RequestIDHandler("request_id", "X-Request-ID")(h)
	return hlog.NewHandler(logger)(h)
}

func healthHandler(check func(context.Context) error, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				logger.Warn().Err(err).Msg("healthcheck failed")
				httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
