// Package client connects to the rosterpulse channel and tracks whether the
// connection is live.
//
// Initialize first sends a priming request to the channel path, which makes
// the server attach its engine, and only then opens the WebSocket on the same
// path. The liveness flag flips to true on connect and back to false on
// disconnect; Close tears the socket down and returns once the flag is false.
package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/rosterpulse/internal/server"
)

var (
	// ErrPrimingFailed is wrapped by Initialize when the priming request fails
	// or answers with a non-2xx status.
	ErrPrimingFailed = errors.New("priming request failed")

	// ErrNotConnected is returned by Emit when there is no live connection.
	ErrNotConnected = errors.New("not connected")
)

const closeGrace = time.Second

// Config describes where the channel lives and how to reach it.
type Config struct {
	// BaseURL is the server origin, e.g. http://localhost:8080.
	BaseURL string
	// Path defaults to /api/socketio.
	Path string
	// Header is sent with the upgrade request, typically to set Origin.
	Header     http.Header
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zerolog.Logger
}

// Handler receives the data of an inbound frame.
type Handler func(data json.RawMessage)

// Client owns at most one live connection to the channel.
type Client struct {
	cfg      Config
	logger   zerolog.Logger
	liveness Liveness

	mu     sync.Mutex
	conn   *websocket.Conn
	id     string
	reader chan struct{}

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler
}

// New returns an unconnected client.
func New(cfg Config) *Client {
	if cfg.Path == "" {
		cfg.Path = server.DefaultPath
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Client{
		cfg:      cfg,
		logger:   logger.With().Str("component", "client").Logger(),
		handlers: make(map[string]Handler),
	}
}

// Initialize primes the server and then connects. The dial is issued only
// after the priming response has been received; if priming fails no dial is
// attempted. Calling Initialize on a connected client is a no-op.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	if err := c.prime(ctx); err != nil {
		return err
	}

	wsURL, err := c.socketURL()
	if err != nil {
		return err
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, wsURL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrapf(err, "dial %s", wsURL)
	}

	c.conn = conn
	c.id = resp.Header.Get(server.ConnectionIDHeader)
	c.reader = make(chan struct{})
	c.liveness.set(Connected)
	c.logger.Info().Str("event", server.EventConnect).Str("conn_id", c.id).Msg("connected")

	go c.readLoop(conn, c.reader)
	return nil
}

func (c *Client) prime(ctx context.Context) error {
	primeURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + c.cfg.Path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, primeURL, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "build priming request")
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(ErrPrimingFailed, "%s: %v", primeURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrapf(ErrPrimingFailed, "%s: status %d", primeURL, resp.StatusCode)
	}
	return nil
}

func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(strings.TrimSuffix(c.cfg.BaseURL, "/") + c.cfg.Path)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// readLoop is the only place the disconnect transition happens.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		c.liveness.set(Disconnected)
		c.logger.Info().Str("event", server.EventDisconnect).Msg("disconnected")
		close(done)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read loop ended")
			}
			return
		}

		frame, err := server.DecodeFrame(raw)
		if err != nil {
			c.logger.Debug().Err(err).Msg("invalid frame")
			continue
		}

		c.handlersMu.RLock()
		h := c.handlers[frame.Event]
		c.handlersMu.RUnlock()
		if h != nil {
			h(frame.Data)
		}
	}
}

// On registers the handler for inbound frames named event.
func (c *Client) On(event string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[event] = h
	c.handlersMu.Unlock()
}

// Emit sends one frame to the server.
func (c *Client) Emit(event string, data any) error {
	frame, err := server.EncodeFrame(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return errors.Wrap(conn.WriteMessage(websocket.TextMessage, frame), "write frame")
}

// Connected is the liveness flag.
func (c *Client) Connected() bool { return c.liveness.Get() == Connected }

// State returns the current connection state.
func (c *Client) State() State { return c.liveness.Get() }

// Watch subscribes to liveness changes; see Liveness.Watch.
func (c *Client) Watch() (<-chan State, func()) { return c.liveness.Watch() }

// ID returns the server-assigned id of the current or last connection.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Done is closed when the current connection ends. It is nil before Initialize.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

// Close sends a close frame, waits briefly for the server to answer, then
// closes the socket. It returns after the read loop has exited, so Connected
// is false on return. Closing an unconnected client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.reader
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))

	select {
	case <-done:
	case <-time.After(closeGrace):
	}
	if cerr := conn.Close(); cerr != nil && err == nil && !isClosedErr(cerr) {
		err = cerr
	}
	<-done

	if err != nil && !isClosedErr(err) {
		return errors.Wrap(err, "close connection")
	}
	return nil
}

func isClosedErr(err error) bool {
	return errors.Is(err, websocket.ErrCloseSent) ||
		strings.Contains(err.Error(), "use of closed network connection")
}
