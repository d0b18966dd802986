// Package server constructs and starts the channel HTTP service with helpers
// that apply production defaults.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CreateServer creates an HTTP server with the specified port and handler.
// WriteTimeout is left unset since hijacked sockets outlive any request deadline.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer listens until the server is shut down. A clean shutdown returns nil.
func StartServer(server *http.Server) error {
	log.Info().Str("component", "server").Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen and serve")
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active requests.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	log.Info().Str("component", "server").Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	log.Info().Str("component", "server").Msg("HTTP server shutdown completed")
	return nil
}

// Shutdown stops the HTTP server and then the attached engine, if any.
func (h *Host) Shutdown(timeout time.Duration) error {
	var first error
	if h.Server != nil {
		first = ShutdownServer(h.Server, timeout)
	}
	if e := h.Engine(); e != nil {
		if err := e.Shutdown(timeout); err != nil && first == nil {
			first = err
		}
	}
	return first
}
