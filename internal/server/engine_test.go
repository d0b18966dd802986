package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/rosterpulse/internal/bus"
	"github.com/Tyrowin/rosterpulse/internal/server"
	"github.com/Tyrowin/rosterpulse/internal/testhelpers"
)

const waitFor = 2 * time.Second

type channel struct {
	url    string
	host   *server.Host
	engine *server.Engine
}

func startChannel(t *testing.T, customize func(cfg *server.Config)) channel {
	t.Helper()
	ts, host := testhelpers.StartServer(t, customize)
	cfg := server.CurrentConfig()
	testhelpers.Prime(t, ts.URL, cfg.Path)
	require.NotNil(t, host.Engine())
	return channel{url: ts.URL, host: host, engine: host.Engine()}
}

func (ch channel) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	conn, resp, err := testhelpers.ConnectWebSocket(testhelpers.WSURL(ch.url, ch.engine.Path()), ch.url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	id := resp.Header.Get(server.ConnectionIDHeader)
	require.NotEmpty(t, id)
	return conn, id
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no frame")
	netErr, ok := err.(net.Error)
	require.True(t, ok && netErr.Timeout(), "unexpected error: %v", err)
}

func TestConnectionJoinsStaticRoom(t *testing.T) {
	ch := startChannel(t, nil)

	_, id := ch.dial(t)

	require.Eventually(t, func() bool {
		return ch.engine.InRoom(server.DefaultRoom, id)
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, []string{id}, ch.engine.Members(server.DefaultRoom))

	c, ok := ch.engine.Conn(id)
	require.True(t, ok)
	require.Equal(t, []string{server.DefaultRoom}, c.Rooms())
}

func TestEveryConnectionJoins(t *testing.T) {
	ch := startChannel(t, nil)

	ids := map[string]bool{}
	for i := 0; i < 5; i++ {
		_, id := ch.dial(t)
		ids[id] = true
	}
	require.Len(t, ids, 5, "connection ids are unique")

	require.Eventually(t, func() bool {
		return len(ch.engine.Members(server.DefaultRoom)) == 5
	}, waitFor, 5*time.Millisecond)
	for _, id := range ch.engine.Members(server.DefaultRoom) {
		require.True(t, ids[id])
	}
}

func TestDisconnectLeavesRoomAndFiresHook(t *testing.T) {
	ch := startChannel(t, nil)

	gone := make(chan string, 1)
	ch.engine.OnDisconnect(func(c *server.Conn, _ string) { gone <- c.ID() })

	conn, id := ch.dial(t)
	require.Eventually(t, func() bool { return ch.engine.InRoom(server.DefaultRoom, id) }, waitFor, 5*time.Millisecond)

	require.NoError(t, testhelpers.CloseWebSocket(conn))

	select {
	case got := <-gone:
		require.Equal(t, id, got)
	case <-time.After(waitFor):
		t.Fatal("disconnect hook not called")
	}
	require.False(t, ch.engine.InRoom(server.DefaultRoom, id))
	require.Zero(t, ch.engine.Count())
}

func TestEmitReachesRoomMembersOnly(t *testing.T) {
	ch := startChannel(t, nil)

	a, idA := ch.dial(t)
	b, idB := ch.dial(t)
	require.Eventually(t, func() bool {
		return ch.engine.InRoom(server.DefaultRoom, idA) && ch.engine.InRoom(server.DefaultRoom, idB)
	}, waitFor, 5*time.Millisecond)

	connA, ok := ch.engine.Conn(idA)
	require.True(t, ok)
	require.True(t, connA.Join("staff"))
	require.False(t, connA.Join("staff"), "join is idempotent")

	require.NoError(t, ch.engine.Emit(context.Background(), server.DefaultRoom, "roster.changed", map[string]int{"count": 2}))
	for _, conn := range []*websocket.Conn{a, b} {
		f := testhelpers.ReadFrame(t, conn, waitFor)
		require.Equal(t, "roster.changed", f.Event)
		require.JSONEq(t, `{"count":2}`, string(f.Data))
	}

	require.NoError(t, ch.engine.Emit(context.Background(), "staff", "staff.only", nil))
	f := testhelpers.ReadFrame(t, a, waitFor)
	require.Equal(t, "staff.only", f.Event)
	require.Empty(t, f.Data)
	expectNoFrame(t, b, 100*time.Millisecond)

	require.True(t, connA.Leave("staff"))
	require.Empty(t, ch.engine.Members("staff"))
}

func TestEmitValidatesEventName(t *testing.T) {
	ch := startChannel(t, nil)
	require.Error(t, ch.engine.Emit(context.Background(), server.DefaultRoom, " ", nil))
}

func TestInboundFramesReachHandlers(t *testing.T) {
	ch := startChannel(t, nil)
	ch.engine.On("echo", func(c *server.Conn, data json.RawMessage) {
		_ = c.Emit("echo.reply", data)
	})

	conn, _ := ch.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"unknown"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteJSON(server.Frame{Event: "echo", Data: json.RawMessage(`"hi"`)}))

	f := testhelpers.ReadFrame(t, conn, waitFor)
	require.Equal(t, "echo.reply", f.Event)
	require.JSONEq(t, `"hi"`, string(f.Data))
}

func TestInboundFramesAreRateLimited(t *testing.T) {
	ch := startChannel(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	ch.engine.On("echo", func(c *server.Conn, data json.RawMessage) { _ = c.Emit("echo.reply", data) })

	conn, _ := ch.dial(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, conn.WriteJSON(server.Frame{Event: "echo", Data: json.RawMessage(`1`)}))
	}
	testhelpers.ReadFrame(t, conn, waitFor)
	testhelpers.ReadFrame(t, conn, waitFor)
	expectNoFrame(t, conn, 150*time.Millisecond)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	ch := startChannel(t, func(cfg *server.Config) { cfg.MaxMessageSize = 64 })

	conn, id := ch.dial(t)
	big := make([]byte, 256)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, big))

	require.Eventually(t, func() bool {
		_, ok := ch.engine.Conn(id)
		return !ok
	}, waitFor, 5*time.Millisecond)
}

func TestOriginAllowList(t *testing.T) {
	ch := startChannel(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"http://allowed.example"}
	})
	url := testhelpers.WSURL(ch.url, ch.engine.Path())

	_, resp, err := testhelpers.ConnectWebSocket(url, "http://evil.example")
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = testhelpers.ConnectWebSocket(url, "")
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := testhelpers.ConnectWebSocket(url, "HTTP://Allowed.Example")
	require.NoError(t, err)
	_ = conn.Close()
}

func TestShutdownClosesConnections(t *testing.T) {
	ch := startChannel(t, nil)
	conn, id := ch.dial(t)
	require.Eventually(t, func() bool { return ch.engine.InRoom(server.DefaultRoom, id) }, waitFor, 5*time.Millisecond)

	require.NoError(t, ch.engine.Shutdown(waitFor))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Zero(t, ch.engine.Count())

	_, resp, err := testhelpers.ConnectWebSocket(testhelpers.WSURL(ch.url, ch.engine.Path()), ch.url)
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestShutdownRacingDialsLeavesNoConnections(t *testing.T) {
	ch := startChannel(t, nil)
	url := testhelpers.WSURL(ch.url, ch.engine.Path())

	var mu sync.Mutex
	var conns []*websocket.Conn
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			conn, _, err := testhelpers.ConnectWebSocket(url, ch.url)
			if err != nil {
				// refused with 503 once shutdown has started
				return nil
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error { return ch.engine.Shutdown(waitFor) })
	require.NoError(t, g.Wait())

	require.Zero(t, ch.engine.Count())
	for _, conn := range conns {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
		_, _, err := conn.ReadMessage()
		require.Error(t, err)
		netErr, ok := err.(net.Error)
		require.False(t, ok && netErr.Timeout(), "connection outlived shutdown")
		_ = conn.Close()
	}
}

// lockedBuffer collects log output written from pump goroutines.
type lockedBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestLifecycleEventsAreLogged(t *testing.T) {
	server.SetConfig(nil)
	out := &lockedBuffer{}
	logger := zerolog.New(out)

	b, err := bus.New(context.Background(), bus.DefaultConfig(), nil)
	require.NoError(t, err)
	e, err := server.NewEngine(server.EngineOptions{Room: "students", Bus: b, Logger: &logger})
	require.NoError(t, err)

	ts := httptest.NewServer(e)
	t.Cleanup(func() {
		_ = e.Shutdown(waitFor)
		ts.Close()
	})

	conn, resp, err := testhelpers.ConnectWebSocket(testhelpers.WSURL(ts.URL, ""), ts.URL)
	require.NoError(t, err)
	id := resp.Header.Get(server.ConnectionIDHeader)
	require.NoError(t, testhelpers.CloseWebSocket(conn))

	require.Eventually(t, func() bool {
		logs := out.String()
		return strings.Contains(logs, `"event":"`+server.EventConnect+`"`) &&
			strings.Contains(logs, `"event":"`+server.EventDisconnect+`"`) &&
			strings.Contains(logs, id)
	}, waitFor, 5*time.Millisecond)
}

func TestNewEngineValidatesOptions(t *testing.T) {
	_, err := server.NewEngine(server.EngineOptions{Room: "students"})
	require.ErrorContains(t, err, "bus is nil")

	b, err := bus.New(context.Background(), bus.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = server.NewEngine(server.EngineOptions{Bus: b})
	require.ErrorContains(t, err, "room is empty")
}
