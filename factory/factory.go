package factory

import (
	"github.com/lychee-technology/cardbase"
	"github.com/lychee-technology/cardbase/internal"
)

// NewBackend creates a card backend with the provided configuration.
// This is the primary way for external projects to create a Backend instance.
// The backend is returned disconnected; call Connect before use. Connect
// creates the database, tables, indexes and materialized views when they
// do not exist yet.
//
// Usage:
//
//	import (
//	    "github.com/lychee-technology/cardbase"
//	    "github.com/lychee-technology/cardbase/factory"
//	)
//
//	config := cardbase.DefaultConfig()
//	config.Database.Host = "db.internal"
//	backend, err := factory.NewBackend(config)
//	if err != nil {
//	    // handle error
//	}
//	if err := backend.Connect(ctx); err != nil {
//	    // handle error
//	}
//	defer backend.Disconnect(ctx)
//
// A nil config uses cardbase.DefaultConfig().
func NewBackend(config *cardbase.Config) (cardbase.Backend, error) {
	backend, err := internal.NewBackend(config)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

// RegisterTelemetryEmitter sends the metrics of every backend in the
// process to fn. A nil fn turns metrics off again.
//
// Usage:
//
//	factory.RegisterTelemetryEmitter(func(ctx context.Context, name string, labels map[string]string, value any) {
//	    // record name and value with labels
//	})
func RegisterTelemetryEmitter(fn cardbase.TelemetryEmitter) {
	internal.RegisterTelemetryEmitter(fn)
}
