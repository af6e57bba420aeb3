package notify

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/offline-sync/internal/auth"
	"github.com/example/offline-sync/internal/httpx"
	"github.com/example/offline-sync/internal/syncerr"
)

// GatewayConfig controls the websocket feed.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
}

// Gateway upgrades GET /sync/events into a per-user status feed.
type Gateway struct {
	authn    auth.Authenticator
	hub      *Hub
	logger   zerolog.Logger
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(authn auth.Authenticator, hub *Hub, logger zerolog.Logger, cfg GatewayConfig) *Gateway {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Gateway{
		authn:  authn,
		hub:    hub,
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	session, err := g.authn.Authenticate(r)
	if err != nil {
		g.logger.Warn().Bool("security", true).Str("remote", r.RemoteAddr).Err(err).Msg("unauthenticated event subscription")
		httpx.WriteJSON(w, http.StatusUnauthorized, httpx.ErrorBody{Error: err.Error(), Kind: string(syncerr.KindAuthorization)})
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())

	logger := g.logger.With().Str("tenant", string(session.TenantID)).Str("user", string(session.UserID)).Logger()
	var conn *Conn
	conn = newConn(ws, session, logger, connOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
	}, func() {
		g.hub.Unregister(conn)
	})

	g.hub.Register(conn)
	logger.Debug().Msg("event subscriber connected")
	go conn.Run()
}
