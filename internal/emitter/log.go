package emitter

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/yairfalse/dormant/types"
)

// LogEmitter writes decisions to a zerolog logger.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a log emitter.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit logs the decision. Failed commands are logged at error level.
func (e *LogEmitter) Emit(ctx context.Context, d types.Decision) error {
	event := e.logger.Info()
	switch d.Status {
	case types.StatusFailed:
		event = e.logger.Error()
	case types.StatusDenied:
		event = e.logger.Warn()
	}

	event = event.Ctx(ctx).
		Str("action", d.Action).
		Str("group", d.Group).
		Str("provider", string(d.Provider)).
		Str("account", d.Account).
		Strs("instance_ids", d.InstanceIDs).
		Str("status", d.Status).
		Str("reason", d.Reason)
	if !d.Occurrence.IsZero() {
		event = event.Time("occurrence", d.Occurrence)
	}
	if d.Error != "" {
		event = event.Str("error", d.Error)
	}
	event.Msg("decision")
	return nil
}

// Close is a no-op for the log emitter.
func (e *LogEmitter) Close() error {
	return nil
}
