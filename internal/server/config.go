// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the notification channel.
package server

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/rosterpulse/internal/bus"
)

// Defaults for the channel endpoint.
const (
	DefaultPort = ":8080"
	DefaultPath = "/api/socketio"
	DefaultRoom = "students"
)

// RateLimitConfig defines the parameters for per-connection inbound frame limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the server configuration settings including cross-origin policy.
type Config struct {
	Port            string          `yaml:"port"`
	Path            string          `yaml:"path"`
	Room            string          `yaml:"room"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	AllowedMethods  []string        `yaml:"allowed_methods"`
	MaxMessageSize  int64           `yaml:"max_message_size"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Bus             bus.Config      `yaml:"bus"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		Path:           DefaultPath,
		Room:           DefaultRoom,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Bus:             bus.DefaultConfig(),
		ShutdownTimeout: 10 * time.Second,
	}
}

// sanitizeConfig fills zero values from the defaults and installs the result
// as the active configuration.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	cfg.Path = normalizePath(cfg.Path)
	if strings.TrimSpace(cfg.Room) == "" {
		cfg.Room = def.Room
	}
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = def.AllowedMethods
	}
	for i, m := range cfg.AllowedMethods {
		cfg.AllowedMethods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = def.Bus.Driver
	}
	if cfg.Bus.Topic == "" {
		cfg.Bus.Topic = def.Bus.Topic
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins
	if allowAll {
		cfg.AllowedOrigins = append([]string{"*"}, normalizedOrigins...)
	}

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		sanitizeConfig(defaultConfig())
		return
	}

	clone := *cfg
	clone.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	clone.AllowedMethods = append([]string(nil), cfg.AllowedMethods...)
	sanitizeConfig(clone)
}

// CurrentConfig returns a copy of the active configuration.
func CurrentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	cfg.AllowedMethods = append([]string(nil), cfg.AllowedMethods...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return &cfg
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if path := os.Getenv("SOCKET_PATH"); path != "" {
		cfg.Path = path
	}
	if room := os.Getenv("SOCKET_ROOM"); room != "" {
		cfg.Room = room
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}
	if driver := os.Getenv("BUS_DRIVER"); driver != "" {
		cfg.Bus.Driver = driver
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Bus.RedisAddr = addr
	}
}

// LoadConfigFile reads a YAML config file on top of the defaults. Environment
// variables take precedence over values in the file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	applyEnv(&cfg)
	return &cfg, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts a bare number of seconds or a Go duration string.
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
