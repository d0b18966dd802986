package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// WatermillAdapter routes watermill's internal logging through zerolog.
type WatermillAdapter struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = (*WatermillAdapter)(nil)

// NewWatermill wraps logger for use by watermill publishers and subscribers.
func NewWatermill(logger zerolog.Logger) *WatermillAdapter {
	return &WatermillAdapter{logger: logger.With().Str("component", "watermill").Logger()}
}

func (w *WatermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillAdapter) Info(msg string, fields watermill.LogFields) {
	w.logger.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

// Debug is demoted to trace level; watermill's debug output is per message.
func (w *WatermillAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillAdapter{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
