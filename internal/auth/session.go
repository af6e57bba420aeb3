// Package auth resolves the tenant and user of a request. Authentication
// itself happens upstream; this service trusts the forwarded identity headers.
package auth

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/example/offline-sync/internal/httpx"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
)

const (
	HeaderTenant = "X-Tenant-ID"
	HeaderUser   = "X-User-ID"
)

// Session is the authenticated caller.
type Session struct {
	TenantID types.TenantID
	UserID   types.UserID
}

// Authenticator resolves the session of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Session, error)
}

// HeaderAuthenticator reads the identity forwarded by the gateway.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (Session, error) {
	tenant := r.Header.Get(HeaderTenant)
	user := r.Header.Get(HeaderUser)
	if tenant == "" || user == "" {
		return Session{}, syncerr.Authorization("missing %s or %s header", HeaderTenant, HeaderUser)
	}
	return Session{TenantID: types.TenantID(tenant), UserID: types.UserID(user)}, nil
}

type sessionKey struct{}

// WithSession stores s in ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored by Middleware.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// session to the request context.
func Middleware(authn Authenticator, logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := authn.Authenticate(r)
		if err != nil {
			logger.Warn().Bool("security", true).Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Err(err).Msg("unauthenticated request")
			httpx.WriteJSON(w, http.StatusUnauthorized, httpx.ErrorBody{Error: err.Error(), Kind: string(syncerr.KindAuthorization)})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}
