package server_test

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/rosterpulse/internal/server"
	"github.com/Tyrowin/rosterpulse/internal/testhelpers"
)

func TestPrimingRequestsAttachOneEngine(t *testing.T) {
	ts, host := testhelpers.StartServer(t, nil)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		method := http.MethodGet
		if i%2 == 1 {
			method = http.MethodPost
		}
		g.Go(func() error {
			req, err := http.NewRequest(method, ts.URL+server.DefaultPath, strings.NewReader(`{"ignored":true}`))
			if err != nil {
				return err
			}
			resp, err := ts.Client().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK || len(body) != 0 {
				t.Errorf("%s: status %d body %q", method, resp.StatusCode, body)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NotNil(t, host.Engine())
	require.EqualValues(t, 1, host.Setups())
	require.Equal(t, server.DefaultPath, host.Engine().Path())
	require.Equal(t, server.DefaultRoom, host.Engine().Room())
}

func TestPrimingCORSHeaders(t *testing.T) {
	ts, _ := testhelpers.StartServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+server.DefaultPath, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://app.example")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET, POST", resp.Header.Get("Access-Control-Allow-Methods"))
}

func TestPreflightDoesNotProvision(t *testing.T) {
	ts, host := testhelpers.StartServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+server.DefaultPath, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://app.example")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Nil(t, host.Engine())
}

func TestChannelPathRejectsOtherMethods(t *testing.T) {
	ts, host := testhelpers.StartServer(t, nil)

	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		resp := testhelpers.MakeRequest(t, method, ts.URL+server.DefaultPath)
		resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
	}
	require.Nil(t, host.Engine())
}

func TestUpgradeBeforeProvisioningIsRefused(t *testing.T) {
	ts, host := testhelpers.StartServer(t, nil)

	_, resp, err := testhelpers.ConnectWebSocket(testhelpers.WSURL(ts.URL, server.DefaultPath), ts.URL)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Nil(t, host.Engine())
}

func TestHealthHandler(t *testing.T) {
	ts, _ := testhelpers.StartServer(t, nil)

	for _, path := range []string{"/healthz", "/"} {
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+path)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		require.Contains(t, string(body), "running")
	}
}

func TestCustomPathAndRoom(t *testing.T) {
	ts, host := testhelpers.StartServer(t, func(cfg *server.Config) {
		cfg.Path = "realtime/"
		cfg.Room = "roster"
	})

	testhelpers.Prime(t, ts.URL, "/realtime")
	require.Equal(t, "/realtime", host.Engine().Path())
	require.Equal(t, "roster", host.Engine().Room())
}
