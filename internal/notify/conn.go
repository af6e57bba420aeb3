package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/offline-sync/internal/auth"
)

var errSendBufferFull = errors.New("send buffer full")

type connOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// Conn is one subscriber's websocket. Frames are written by a single writer
// goroutine; a subscriber that stops reading is disconnected rather than
// allowed to block delivery.
type Conn struct {
	ws      *websocket.Conn
	session auth.Session
	logger  zerolog.Logger
	opts    connOptions

	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func()
}

func newConn(ws *websocket.Conn, session auth.Session, logger zerolog.Logger, opts connOptions, onClose func()) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:      ws,
		session: session,
		logger:  logger,
		opts:    opts,
		send:    make(chan []byte, opts.sendBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
	}
}

// Send enqueues a text frame.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	select {
	case c.send <- frame:
		gatewaySendQueueDepth.Observe(float64(len(c.send)))
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.Close()
		return errSendBufferFull
	}
}

// Run pumps frames until the peer goes away.
func (c *Conn) Run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
		// Unblocks the reader when the close was initiated locally.
		_ = c.ws.Close()
	}()

	if err := c.readLoop(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close stops the pumps. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// readLoop only services control frames; the feed is one-way.
func (c *Conn) readLoop() error {
	deadline := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance+1)
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			return err
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
				time.Now().Add(c.opts.writeTimeout))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}
