// Package server manages individual channel connections, handling read/write
// pumps, rate limiting, and room membership for each socket.
package server

import (
	"errors"
	"io"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// ErrConnClosed is returned when sending on a connection that has left the engine.
var ErrConnClosed = pkgerrors.New("connection closed")

// Conn is one client's session on the engine. Room membership and the closed
// flag are guarded by the owning engine's lock.
type Conn struct {
	id      string
	ws      *websocket.Conn
	engine  *Engine
	addr    string
	send    chan []byte
	rooms   map[string]struct{}
	closed  bool
	limiter *rateLimiter
	logger  zerolog.Logger
}

func newConn(id string, ws *websocket.Conn, e *Engine, addr string, cfg Config) *Conn {
	if ws != nil {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}
	return &Conn{
		id:      id,
		ws:      ws,
		engine:  e,
		addr:    addr,
		send:    make(chan []byte, sendBuffer),
		rooms:   make(map[string]struct{}),
		limiter: newRateLimiter(cfg.RateLimit),
		logger: e.logger.With().
			Str("conn_id", id).
			Str("remote", addr).
			Logger(),
	}
}

// ID returns the opaque connection identifier.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address recorded at upgrade time.
func (c *Conn) RemoteAddr() string { return c.addr }

// Join adds the connection to room.
func (c *Conn) Join(room string) bool { return c.engine.join(c, room) }

// Leave removes the connection from room.
func (c *Conn) Leave(room string) bool { return c.engine.leave(c, room) }

// Rooms returns the sorted names of the rooms the connection belongs to.
func (c *Conn) Rooms() []string {
	c.engine.mu.RLock()
	defer c.engine.mu.RUnlock()

	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Emit queues a frame for this connection only.
func (c *Conn) Emit(event string, data any) error {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		return err
	}
	if !c.engine.enqueue(c, frame) {
		return ErrConnClosed
	}
	return nil
}

// Close drops the connection from the engine; the write pump then closes the socket.
func (c *Conn) Close() {
	c.engine.remove(c, "server close")
}

func (c *Conn) readPump() {
	reason := "read error"
	defer func() {
		c.engine.remove(c, reason)
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadDeadline()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			reason = c.classifyReadError(err)
			return
		}

		if !c.limiter.allow() {
			c.logger.Warn().Msg("rate limit exceeded; discarding frame")
			continue
		}

		c.dispatch(raw)
	}
}

func (c *Conn) setupReadDeadline() {
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug().Err(err).Msg("error setting initial read deadline")
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// classifyReadError logs the read failure and returns a short disconnect reason.
func (c *Conn) classifyReadError(err error) string {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Msg("frame exceeded maximum size")
		return "message too big"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Debug().Err(err).Msg("client closed connection")
		return "client close"
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.logger.Debug().Err(err).Msg("connection closed")
		return "transport close"
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Warn().Err(err).Msg("unexpected websocket close")
		return "transport error"
	default:
		c.logger.Debug().Err(err).Msg("websocket read error")
		return "transport error"
	}
}

func (c *Conn) dispatch(raw []byte) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("invalid frame")
		return
	}

	handler := c.engine.handler(frame.Event)
	if handler == nil {
		c.logger.Debug().Str("event", frame.Event).Msg("no handler for event")
		return
	}
	handler(c, frame.Data)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Msg("error closing connection in writePump")
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.write(frame, ok) {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// write sends one frame, or a close message once the send queue is closed.
// It returns false when the pump should stop.
func (c *Conn) write(frame []byte, ok bool) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if !ok {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Msg("error writing close message")
		}
		return false
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Debug().Err(err).Msg("error writing frame")
		return false
	}
	return true
}
