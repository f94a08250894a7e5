package offline

import (
	"context"

	"edusync/internal/model"
)

// Transport delivers queued actions to the server and probes reachability.
//
// Send returns the canonical server representation of the affected record
// on success (nil for deletes). Failures are classified by error type:
// a *PermanentSyncError means the server rejected the action (4xx) and it
// must not be retried; a *TransientSyncError means the attempt may be
// retried later (network error or 5xx).
type Transport interface {
	Send(ctx context.Context, action *model.QueuedAction) ([]byte, error)

	// Probe performs a lightweight reachability check. It must use a
	// short timeout, independent of the data-call timeout: it exists only
	// to confirm the server is reachable.
	Probe(ctx context.Context) error
}

// Connectivity is the network monitor surface the engine consumes.
// Subscribe invokes fn once immediately with the current state and again
// on every confirmed transition; the returned function cancels the
// subscription.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) (cancel func())
}

// EntitlementChecker reports whether offline mode is entitled for the
// current user. Supplied by the subscription/premium collaborator.
type EntitlementChecker interface {
	IsOfflineModeEnabled(userID string) bool
}

// EntitlementCheckerFunc adapts a function to the EntitlementChecker interface.
type EntitlementCheckerFunc func(userID string) bool

func (f EntitlementCheckerFunc) IsOfflineModeEnabled(userID string) bool { return f(userID) }
