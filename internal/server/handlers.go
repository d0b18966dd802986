// Package server exposes HTTP handlers for the channel endpoint and health checks.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SocketHandler serves both sides of the channel endpoint at path.
//
// A plain GET or POST is the priming request: it provisions the engine if
// needed and always ends with an empty 200 so the caller knows the engine is
// attached. The request body is never read. A WebSocket upgrade on the same
// path is handed to the attached engine, and refused with 503 before the
// first provisioning.
func SocketHandler(h *Host, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			e := h.Engine()
			if e == nil {
				log.Warn().Str("component", "server").Str("remote", r.RemoteAddr).Msg("upgrade before provisioning")
				http.Error(w, ErrNotProvisioned.Error(), http.StatusServiceUnavailable)
				return
			}
			e.ServeHTTP(w, r)
			return
		}

		applyCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if _, err := Provision(r.Context(), h, path); err != nil {
			log.Error().Err(err).Str("component", "server").Str("path", path).Msg("provisioning failed")
			http.Error(w, "provisioning failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "rosterpulse server is running")
}
