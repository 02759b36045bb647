package interfaces

import (
	"context"

	"chatmatch/pkg/types"
)

// Store is the best-effort key-value persistence collaborator. The in-memory
// queue remains authoritative; every implementation must degrade to a logged
// no-op when the backing service is unavailable.
type Store interface {
	// Get returns the raw JSON stored at path, or ErrKeyNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Set stores the JSON encoding of value at path.
	Set(ctx context.Context, path string, value any) error

	// Push appends value under path and returns the generated entry key.
	Push(ctx context.Context, path string, value any) (string, error)

	// Delete removes the value at path. Deleting an absent path is a no-op.
	Delete(ctx context.Context, path string) error
}

// Archiver is the durable sink for terminated conversations and engine
// lifecycle events. Writes are best-effort from the engine's point of view.
type Archiver interface {
	ArchiveSession(ctx context.Context, record *types.SessionArchive) error

	// AppendEvent persists one lifecycle event and waits for it to land.
	AppendEvent(ctx context.Context, event *types.Event) error

	// SubmitEvent queues one lifecycle event without waiting; it must never
	// block the caller on a slow or failing backend.
	SubmitEvent(event *types.Event)

	HealthCheck(ctx context.Context) error
	Close() error
}
