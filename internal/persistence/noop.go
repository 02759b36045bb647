package persistence

import (
	"context"

	"chatmatch/pkg/interfaces"
)

// NoopStore is the interfaces.Store used when no Redis address is configured.
// The engine runs memory-only and every mirror write silently succeeds.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (NoopStore) Get(ctx context.Context, path string) ([]byte, error) {
	return nil, interfaces.ErrKeyNotFound
}

func (NoopStore) Set(ctx context.Context, path string, value any) error { return nil }

func (NoopStore) Push(ctx context.Context, path string, value any) (string, error) {
	return "", nil
}

func (NoopStore) Delete(ctx context.Context, path string) error { return nil }
