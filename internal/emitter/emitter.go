// Package emitter publishes the decisions of the reconciler to external
// backends.
package emitter

import (
	"context"
	"errors"

	"github.com/yairfalse/dormant/types"
)

// Emitter outputs decisions to a backend.
type Emitter interface {
	// Emit sends one decision to the backend.
	Emit(ctx context.Context, d types.Decision) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to every emitter. A failing backend does not starve the others.
func (m *MultiEmitter) Emit(ctx context.Context, d types.Decision) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Emit(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
