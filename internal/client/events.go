package client

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/offline-sync/internal/auth"
	"github.com/example/offline-sync/internal/notify"
	"github.com/example/offline-sync/internal/syncerr"
	"github.com/example/offline-sync/internal/types"
)

// Watch streams the user's entry status events to fn until ctx is cancelled
// or the connection drops. Events are hints; Poll remains the source of truth.
func (a *API) Watch(ctx context.Context, fn func(types.StatusEvent)) error {
	target := "ws" + strings.TrimPrefix(a.base, "http") + "/sync/events"
	header := http.Header{}
	header.Set(auth.HeaderTenant, string(a.tenant))
	header.Set(auth.HeaderUser, string(a.user))

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return decodeError(resp)
		}
		return syncerr.Transient("dial event stream", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return ctx.Err()
			}
			return syncerr.Transient("read event stream", err)
		}
		ev, err := notify.UnmarshalEventJSON(frame)
		if err != nil {
			continue
		}
		fn(ev)
	}
}
