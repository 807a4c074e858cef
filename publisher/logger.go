package publisher

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// logAdapter routes watermill logs through zerolog.
type logAdapter struct {
	l zerolog.Logger
}

func NewLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return &logAdapter{l: l}
}

func (a *logAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.l.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}

func (a *logAdapter) Info(msg string, fields watermill.LogFields) {
	a.l.Info().Fields(map[string]any(fields)).Msg(msg)
}

func (a *logAdapter) Debug(msg string, fields watermill.LogFields) {
	a.l.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (a *logAdapter) Trace(msg string, fields watermill.LogFields) {
	a.l.Trace().Fields(map[string]any(fields)).Msg(msg)
}

func (a *logAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &logAdapter{l: a.l.With().Fields(map[string]any(fields)).Logger()}
}
