// Package server defines the wire frame exchanged over the channel and
// utility helpers shared by the engine and its connections.
package server

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Lifecycle event names, logged as the "event" field when a connection is
// accepted or closed. Application events are chosen by callers.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// ConnectionIDHeader carries the connection id in the upgrade response.
const ConnectionIDHeader = "X-Connection-Id"

// Frame is the JSON envelope of every application message on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals event and data into one text frame. data may be a
// json.RawMessage, which is embedded as is.
func EncodeFrame(event string, data any) ([]byte, error) {
	if strings.TrimSpace(event) == "" {
		return nil, errors.New("frame event name is empty")
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// DecodeFrame parses a text frame.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	if strings.TrimSpace(f.Event) == "" {
		return Frame{}, errors.New("frame event name is empty")
	}
	return f, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "marshal frame data")
		}
		return b, nil
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
