package cardbase

import (
	"context"

	"github.com/google/uuid"
)

// Backend is the query facade other subsystems call.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Writes
	InsertElement(ctx context.Context, card *Card) (*Card, error)
	UpsertElement(ctx context.Context, card *Card) (*Card, error)

	// Point lookups; opts.Type is mandatory.
	GetElementByID(ctx context.Context, id uuid.UUID, opts GetOptions) (*Card, error)
	GetElementBySlug(ctx context.Context, slugVersion string, opts GetOptions) (*Card, error)
	GetElementsByID(ctx context.Context, ids []uuid.UUID, opts GetOptions) ([]*Card, error)

	// Schema queries
	Query(ctx context.Context, schema map[string]any, opts QueryOptions) ([]*Card, error)
	Stream(ctx context.Context, schema map[string]any) (Stream, error)

	GetStatus() Status
}

// Stream is a live query subscription.
type Stream interface {
	ID() uuid.UUID
	Events() <-chan StreamEvent
	// Close is safe to call more than once.
	Close() error
}
