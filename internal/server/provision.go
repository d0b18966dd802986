// Package server attaches the channel engine to the process HTTP server on
// demand and guarantees that at most one engine exists per Host.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/rosterpulse/internal/bus"
	"github.com/Tyrowin/rosterpulse/internal/logging"
)

var (
	// ErrPathMismatch is returned when provisioning a path other than the one
	// the attached engine is exposed at.
	ErrPathMismatch = errors.New("engine already provisioned at a different path")

	// ErrNotProvisioned is returned for upgrades that arrive before provisioning.
	ErrNotProvisioned = errors.New("engine not provisioned")
)

// EngineFactory builds the engine for path. ctx is the provisioning request's
// context and only bounds construction.
type EngineFactory func(ctx context.Context, path string) (*Engine, error)

// Host is the process HTTP server together with the engine lazily attached to it.
type Host struct {
	Server *http.Server

	// NewEngine overrides how the engine is built; nil uses DefaultEngineFactory.
	NewEngine EngineFactory

	mu     sync.Mutex
	engine atomic.Pointer[Engine]
	setups atomic.Int64
}

// NewHost creates a Host whose server routes the channel endpoints from cfg.
func NewHost(cfg *Config) *Host {
	if cfg != nil {
		SetConfig(cfg)
	}
	active := CurrentConfig()

	h := &Host{}
	h.Server = CreateServer(active.Port, SetupRoutes(h))
	return h
}

// Engine returns the attached engine, or nil before the first provisioning.
func (h *Host) Engine() *Engine {
	return h.engine.Load()
}

// Setups counts how many engines have been constructed on this Host.
func (h *Host) Setups() int64 {
	return h.setups.Load()
}

// Provision attaches an engine exposed at path to h unless one is already
// attached, and returns the attached engine. Concurrent first callers build
// exactly one engine; a failed attempt leaves h empty so a later call retries.
func Provision(ctx context.Context, h *Host, path string) (*Engine, error) {
	if h == nil {
		return nil, errors.New("host is nil")
	}
	path = normalizePath(path)

	if e := h.engine.Load(); e != nil {
		return checkPath(e, path)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if e := h.engine.Load(); e != nil {
		return checkPath(e, path)
	}

	factory := h.NewEngine
	if factory == nil {
		factory = DefaultEngineFactory
	}

	log.Info().Str("component", "server").Str("path", path).Msg("setting up engine")
	e, err := factory(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, "provision engine")
	}
	h.setups.Add(1)
	h.engine.Store(e)
	return e, nil
}

func checkPath(e *Engine, path string) (*Engine, error) {
	if e.Path() != path {
		return nil, errors.Wrapf(ErrPathMismatch, "attached at %s, requested %s", e.Path(), path)
	}
	return e, nil
}

// DefaultEngineFactory connects the configured bus and builds an engine that
// joins every connection to the configured room.
func DefaultEngineFactory(ctx context.Context, path string) (*Engine, error) {
	cfg := CurrentConfig()

	b, err := bus.New(ctx, cfg.Bus, logging.NewWatermill(log.Logger))
	if err != nil {
		return nil, err
	}

	e, err := NewEngine(EngineOptions{Path: path, Room: cfg.Room, Bus: b})
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return e, nil
}
