// Package testhelpers provides common utilities for testing the channel server
// and client.
//
// It starts servers wired exactly like production, makes HTTP and WebSocket
// requests against them, and asserts response properties so test files stay
// focused on behaviour.
package testhelpers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/rosterpulse/internal/server"
)

// StartServer applies the default config (optionally customized), starts an
// httptest server routing a fresh Host, and registers cleanup that shuts the
// engine down and restores the default config.
func StartServer(t *testing.T, customize func(cfg *server.Config)) (*httptest.Server, *server.Host) {
	t.Helper()

	cfg := server.NewConfig()
	if customize != nil {
		customize(cfg)
	}
	server.SetConfig(cfg)

	host := &server.Host{}
	ts := httptest.NewServer(server.SetupRoutes(host))
	host.Server = ts.Config

	t.Cleanup(func() {
		if e := host.Engine(); e != nil {
			_ = e.Shutdown(2 * time.Second)
		}
		ts.Close()
		server.SetConfig(nil)
	})
	return ts, host
}

// WSURL converts an http(s) base URL and path into a ws(s) URL.
func WSURL(baseURL, path string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + path
}

// MakeRequest executes an HTTP request with a 5-second timeout and fails the
// test if it cannot be sent. The caller closes the body.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

// Prime issues the priming GET and fails the test unless it returns 200.
func Prime(t *testing.T, baseURL, path string) {
	t.Helper()
	resp := MakeRequest(t, http.MethodGet, baseURL+path)
	defer resp.Body.Close()
	AssertStatusCode(t, resp, http.StatusOK)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// ConnectWebSocket dials url with origin set (when non-empty). The handshake
// response is returned with its body already closed.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// ReadFrame reads one frame with a deadline.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) server.Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	frame, err := server.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("Failed to decode frame %q: %v", raw, err)
	}
	return frame
}
