package arrwarden

import "context"

// EventHook receives async notifications for every monitor event: agent
// runs, indexer disables, orchestrator lifecycle. Multiple hooks may be
// registered via multiple WithEventHook calls.
//
// Hooks run in their own goroutines and must not block indefinitely.
// Failures are logged, never propagated to the originating operation.
type EventHook interface {
	OnEvent(ctx context.Context, e Event) error
}
