// Package server implements the server side of the rosterpulse notification
// channel.
//
// A Host wraps the process HTTP server. The first GET or POST to the channel
// path (default /api/socketio) provisions an Engine and attaches it to the
// Host; later requests reuse it. WebSocket upgrades on the same path are
// served by that engine, which puts every new connection in the static room
// ("students" by default). Broadcasts to a room travel over the bus package
// and are fanned out to the room's members by the engine.
//
// The implementation is organized into files for configuration, provisioning,
// the engine and its connections, routing, and HTTP handlers.
package server
