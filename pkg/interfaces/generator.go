package interfaces

import (
	"context"

	"chatmatch/pkg/types"
)

// Generator produces partner responses for AI conversations. It is a
// pluggable strategy: the canned implementation serves tests and demo mode,
// a remote completion backend serves production. A failed generation is a
// recoverable error; the session stays active.
type Generator interface {
	Generate(ctx context.Context, history []types.ChatMessage, personaID string, engagement int) (string, error)
}
