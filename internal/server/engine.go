// Package server coordinates connection registration, room membership, and
// bus-driven broadcast for the notification channel via the Engine type.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/rosterpulse/internal/bus"
)

// EventHandler handles one inbound frame from a connection.
type EventHandler func(c *Conn, data json.RawMessage)

// EngineOptions configures NewEngine. Bus is owned by the engine from then on.
type EngineOptions struct {
	Path   string
	Room   string
	Bus    *bus.Bus
	Logger *zerolog.Logger
}

// Engine multiplexes socket connections into named rooms and relays bus
// notifications to the members of the addressed room.
type Engine struct {
	id     string
	path   string
	room   string
	bus    *bus.Bus
	logger zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*Conn
	rooms   map[string]map[string]*Conn
	closing bool

	hooksMu      sync.RWMutex
	onConnect    []func(*Conn)
	onDisconnect []func(*Conn, string)
	handlers     map[string]EventHandler

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine subscribes to the bus and starts the relay loop. Every accepted
// connection joins opts.Room before any other connect hook runs.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Bus == nil {
		return nil, errors.New("engine bus is nil")
	}
	room := strings.TrimSpace(opts.Room)
	if room == "" {
		return nil, errors.New("engine room is empty")
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:   id,
		path: normalizePath(opts.Path),
		room: room,
		bus:  opts.Bus,
		logger: logger.With().
			Str("component", "engine").
			Str("engine_id", id).
			Logger(),
		conns:    make(map[string]*Conn),
		rooms:    make(map[string]map[string]*Conn),
		handlers: make(map[string]EventHandler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	e.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	e.OnConnect(func(c *Conn) { c.Join(e.room) })

	msgs, err := opts.Bus.Subscribe(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go e.run(msgs)

	return e, nil
}

// ID identifies the engine instance.
func (e *Engine) ID() string { return e.id }

// Path is the endpoint path the engine is exposed at.
func (e *Engine) Path() string { return e.path }

// Room is the static room every connection joins on connect.
func (e *Engine) Room() string { return e.room }

// OnConnect registers a hook run for every accepted connection.
func (e *Engine) OnConnect(fn func(*Conn)) {
	e.hooksMu.Lock()
	e.onConnect = append(e.onConnect, fn)
	e.hooksMu.Unlock()
}

// OnDisconnect registers a hook run once a connection has left every room.
func (e *Engine) OnDisconnect(fn func(c *Conn, reason string)) {
	e.hooksMu.Lock()
	e.onDisconnect = append(e.onDisconnect, fn)
	e.hooksMu.Unlock()
}

// On registers the handler for inbound frames named event, replacing any
// previous one.
func (e *Engine) On(event string, h EventHandler) {
	e.hooksMu.Lock()
	e.handlers[event] = h
	e.hooksMu.Unlock()
}

func (e *Engine) handler(event string) EventHandler {
	e.hooksMu.RLock()
	defer e.hooksMu.RUnlock()
	return e.handlers[event]
}

// Emit broadcasts event to every member of room through the bus.
func (e *Engine) Emit(ctx context.Context, room, event string, data any) error {
	if strings.TrimSpace(event) == "" {
		return errors.New("event name is empty")
	}
	raw, err := marshalData(data)
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, bus.Notification{Room: room, Event: event, Data: raw})
}

// ServeHTTP upgrades the request and attaches the new connection.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-e.ctx.Done():
		http.Error(w, "engine is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	id := uuid.NewString()
	header := http.Header{}
	header.Set(ConnectionIDHeader, id)

	ws, err := e.upgrader.Upgrade(w, r, header)
	if err != nil {
		// the upgrader has already written the error response
		e.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	e.accept(id, ws, r.RemoteAddr)
}

func (e *Engine) accept(id string, ws *websocket.Conn, addr string) {
	c := newConn(id, ws, e, addr, CurrentConfig())

	// registration and wg.Add share the lock closeAll takes, so Shutdown
	// either sees this connection or rejects it here
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		e.reject(ws)
		return
	}
	e.conns[id] = c
	count := len(e.conns)
	e.wg.Add(2)
	e.mu.Unlock()

	e.hooksMu.RLock()
	hooks := append(([]func(*Conn))(nil), e.onConnect...)
	e.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}

	c.logger.Info().Str("event", EventConnect).Int("connections", count).Msg("connection accepted")

	go func() {
		defer e.wg.Done()
		c.writePump()
	}()
	go func() {
		defer e.wg.Done()
		c.readPump()
	}()
}

// reject closes a socket upgraded while the engine was shutting down.
func (e *Engine) reject(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine is shutting down")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if err := ws.Close(); err != nil && !isExpectedCloseError(err) {
		e.logger.Debug().Err(err).Msg("error closing rejected connection")
	}
}

func (e *Engine) join(c *Conn, room string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c.closed {
		return false
	}
	if _, ok := c.rooms[room]; ok {
		return false
	}
	members, ok := e.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		e.rooms[room] = members
	}
	members[c.id] = c
	c.rooms[room] = struct{}{}
	return true
}

func (e *Engine) leave(c *Conn, room string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaveLocked(c, room)
}

func (e *Engine) leaveLocked(c *Conn, room string) bool {
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	if members, ok := e.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(e.rooms, room)
		}
	}
	return true
}

// remove detaches c from the engine and every room, closes its send queue,
// and runs the disconnect hooks. Calls after the first are no-ops.
func (e *Engine) remove(c *Conn, reason string) {
	e.mu.Lock()
	if current, ok := e.conns[c.id]; !ok || current != c {
		e.mu.Unlock()
		return
	}
	delete(e.conns, c.id)
	for room := range c.rooms {
		e.leaveLocked(c, room)
	}
	c.closed = true
	count := len(e.conns)
	e.mu.Unlock()

	close(c.send)
	c.logger.Info().Str("event", EventDisconnect).Str("reason", reason).Int("connections", count).Msg("connection closed")

	e.hooksMu.RLock()
	hooks := append(([]func(*Conn, string))(nil), e.onDisconnect...)
	e.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(c, reason)
	}
}

// enqueue hands a frame to c's write pump without blocking. The read lock is
// held across the send so remove cannot close the queue underneath it.
func (e *Engine) enqueue(c *Conn, frame []byte) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (e *Engine) run(msgs <-chan *message.Message) {
	defer close(e.done)

	for {
		select {
		case <-e.ctx.Done():
			e.closeAll()
			return

		case msg, ok := <-msgs:
			if !ok {
				e.logger.Warn().Msg("bus subscription closed; relay stopped")
				<-e.ctx.Done()
				e.closeAll()
				return
			}
			e.deliver(bus.Decode(msg))
			msg.Ack()
		}
	}
}

// deliver fans a notification out to the room's members. Members whose send
// queue is full are dropped.
func (e *Engine) deliver(n bus.Notification) {
	frame, err := EncodeFrame(n.Event, n.Data)
	if err != nil {
		e.logger.Warn().Err(err).Str("room", n.Room).Msg("dropping malformed notification")
		return
	}

	e.mu.RLock()
	targets := make([]*Conn, 0, len(e.rooms[n.Room]))
	for _, c := range e.rooms[n.Room] {
		targets = append(targets, c)
	}
	e.mu.RUnlock()

	e.logger.Debug().
		Str("room", n.Room).
		Str("event", n.Event).
		Int("targets", len(targets)).
		Msg("broadcasting")

	for _, c := range targets {
		if !e.enqueue(c, frame) {
			c.logger.Warn().Msg("send buffer full; dropping connection")
			e.remove(c, "slow consumer")
		}
	}
}

// closeAll stops accepting connections and removes the live ones.
func (e *Engine) closeAll() {
	e.mu.Lock()
	e.closing = true
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		e.remove(c, "engine shutdown")
	}
	e.logger.Info().Int("closed", len(conns)).Msg("closed all connections")
}

// Count returns the number of live connections.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

// Members returns the sorted ids of the connections in room.
func (e *Engine) Members(room string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.rooms[room]))
	for id := range e.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InRoom reports whether connection id is a member of room.
func (e *Engine) InRoom(room, id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.rooms[room][id]
	return ok
}

// Conn returns the live connection with id.
func (e *Engine) Conn(id string) (*Conn, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.conns[id]
	return c, ok
}

// Shutdown closes every connection, stops the relay, releases the bus, and
// waits for the connection pumps until timeout.
func (e *Engine) Shutdown(timeout time.Duration) error {
	e.logger.Info().Msg("engine shutting down")
	e.cancel()
	<-e.done

	if err := e.bus.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("closing bus")
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info().Msg("engine shutdown completed")
		return nil
	case <-time.After(timeout):
		e.logger.Warn().Msg("engine shutdown timed out; pumps still running")
		return context.DeadlineExceeded
	}
}
