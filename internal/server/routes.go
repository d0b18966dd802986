// Package server wires HTTP handlers into a router for the channel service.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes builds the router for h from the active configuration. The
// channel path accepts the configured methods plus OPTIONS preflight; other
// verbs get 405 from the router.
func SetupRoutes(h *Host) *mux.Router {
	cfg := CurrentConfig()
	methods := append(append([]string(nil), cfg.AllowedMethods...), http.MethodOptions)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet)
	r.Handle(cfg.Path, SocketHandler(h, cfg.Path)).Methods(methods...)
	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	return r
}
