package server_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/rosterpulse/internal/bus"
	"github.com/Tyrowin/rosterpulse/internal/server"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := server.NewConfig()

	require.Equal(t, ":8080", cfg.Port)
	require.Equal(t, "/api/socketio", cfg.Path)
	require.Equal(t, "students", cfg.Room)
	require.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	require.Equal(t, []string{"GET", "POST"}, cfg.AllowedMethods)
	require.Equal(t, bus.DriverMemory, cfg.Bus.Driver)
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9999")
	t.Setenv("SOCKET_PATH", "/ws/roster")
	t.Setenv("SOCKET_ROOM", "roster")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, http://b.example,")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "9")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "500ms")
	t.Setenv("BUS_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg := server.NewConfigFromEnv()

	require.Equal(t, ":9999", cfg.Port)
	require.Equal(t, "/ws/roster", cfg.Path)
	require.Equal(t, "roster", cfg.Room)
	require.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	require.EqualValues(t, 2048, cfg.MaxMessageSize)
	require.Equal(t, 9, cfg.RateLimit.Burst)
	require.Equal(t, 500*time.Millisecond, cfg.RateLimit.RefillInterval)
	require.Equal(t, "redis", cfg.Bus.Driver)
	require.Equal(t, "redis:6379", cfg.Bus.RedisAddr)
}

func TestNewConfigFromEnvIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "-1")
	t.Setenv("RATE_LIMIT_BURST", "lots")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "soon")

	cfg := server.NewConfigFromEnv()
	def := server.NewConfig()

	require.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	require.Equal(t, def.RateLimit, cfg.RateLimit)
}

func TestSetConfigSanitizes(t *testing.T) {
	t.Cleanup(func() { server.SetConfig(nil) })

	server.SetConfig(&server.Config{
		Path:           "api/rt/",
		AllowedOrigins: []string{"not a url", "https://App.Example:8443", ""},
		AllowedMethods: []string{"get", " post "},
	})
	cfg := server.CurrentConfig()

	require.Equal(t, ":8080", cfg.Port)
	require.Equal(t, "/api/rt", cfg.Path)
	require.Equal(t, "students", cfg.Room)
	require.Equal(t, []string{"https://app.example:8443"}, cfg.AllowedOrigins)
	require.Equal(t, []string{"GET", "POST"}, cfg.AllowedMethods)
	require.Positive(t, cfg.MaxMessageSize)
	require.Positive(t, cfg.ShutdownTimeout)
}

func TestCurrentConfigReturnsCopy(t *testing.T) {
	t.Cleanup(func() { server.SetConfig(nil) })
	server.SetConfig(nil)

	cfg := server.CurrentConfig()
	cfg.AllowedMethods[0] = "DELETE"

	require.Equal(t, "GET", server.CurrentConfig().AllowedMethods[0])
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rosterpulse.yaml")
	writeFile(t, path, `
port: ":7070"
room: roster
allowed_origins: ["http://school.example"]
rate_limit:
  burst: 3
  refill_interval: 2s
bus:
  driver: memory
  topic: notifications
shutdown_timeout: 5s
`)

	cfg, err := server.LoadConfigFile(path)
	require.NoError(t, err)

	require.Equal(t, ":7070", cfg.Port)
	require.Equal(t, "/api/socketio", cfg.Path, "unset keys keep defaults")
	require.Equal(t, "roster", cfg.Room)
	require.Equal(t, []string{"http://school.example"}, cfg.AllowedOrigins)
	require.Equal(t, server.RateLimitConfig{Burst: 3, RefillInterval: 2 * time.Second}, cfg.RateLimit)
	require.Equal(t, "notifications", cfg.Bus.Topic)
	require.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestLoadConfigFileErrors(t *testing.T) {
	_, err := server.LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "port: [unterminated")
	_, err = server.LoadConfigFile(path)
	require.ErrorContains(t, err, "parse config")
}

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rosterpulse.yaml")
	writeFile(t, path, "room: first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *server.Config, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- server.WatchConfig(ctx, path, func(cfg *server.Config) {
			select {
			case changes <- cfg:
			default:
			}
		})
	}()

	// the watcher registers asynchronously; keep writing until a change lands
	require.Eventually(t, func() bool {
		writeFile(t, path, "room: second\n")
		select {
		case cfg := <-changes:
			return cfg.Room == "second"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchConfigMissingFile(t *testing.T) {
	err := server.WatchConfig(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), func(*server.Config) {})
	require.Error(t, err)
}
