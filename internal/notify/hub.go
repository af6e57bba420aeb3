// Package notify fans entry status events out to websocket subscribers and
// wakes queue processors, locally or across instances through Redis.
package notify

import (
	"context"
	"sync"

	"github.com/example/offline-sync/internal/types"
)

type subscriber struct {
	tenant types.TenantID
	user   types.UserID
}

// Hub tracks the websocket connections of each tenant user on this instance
// and the local processors waiting for wake-ups.
type Hub struct {
	mu     sync.RWMutex
	conns  map[subscriber]map[*Conn]struct{}
	wakers []func()
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[subscriber]map[*Conn]struct{})}
}

// Register attaches c to its user's feed.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := subscriber{tenant: c.session.TenantID, user: c.session.UserID}
	if h.conns[key] == nil {
		h.conns[key] = make(map[*Conn]struct{})
	}
	h.conns[key][c] = struct{}{}
	gatewayConnections.Inc()
}

// Unregister detaches c.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := subscriber{tenant: c.session.TenantID, user: c.session.UserID}
	conns := h.conns[key]
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.conns, key)
	}
	gatewayConnections.Dec()
}

// Deliver sends ev to every local connection of the event's user and returns
// how many accepted it.
func (h *Hub) Deliver(ev types.StatusEvent) int {
	h.mu.RLock()
	conns := h.conns[subscriber{tenant: ev.TenantID, user: ev.UserID}]
	if len(conns) == 0 {
		h.mu.RUnlock()
		return 0
	}
	recipients := make([]*Conn, 0, len(conns))
	for c := range conns {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	frame, err := MarshalEventJSON(ev)
	if err != nil {
		return 0
	}
	sent := 0
	for _, c := range recipients {
		if err := c.Send(frame); err == nil {
			sent++
		}
	}
	eventsDelivered.Add(float64(sent))
	return sent
}

// OnWake registers fn to run on every wake-up.
func (h *Hub) OnWake(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wakers = append(h.wakers, fn)
}

// Wake runs the registered wake-up callbacks.
func (h *Hub) Wake() {
	h.mu.RLock()
	wakers := append([]func(){}, h.wakers...)
	h.mu.RUnlock()
	for _, fn := range wakers {
		fn()
	}
}

// Local delivers events and wake-ups within this process only.
type Local struct {
	hub *Hub
}

// NewLocal returns a single-instance notifier over hub.
func NewLocal(hub *Hub) *Local {
	return &Local{hub: hub}
}

func (l *Local) Publish(_ context.Context, ev types.StatusEvent) error {
	l.hub.Deliver(ev)
	return nil
}

func (l *Local) Wake(context.Context) error {
	l.hub.Wake()
	return nil
}
