package offline

import (
	"time"

	"edusync/internal/model"
)

// Store is the local durable store: cached server snapshots, the pending
// action queue, and the sync metadata record. All writes survive process
// restart. Implementations are not required to be safe for concurrent use;
// the engine and the enqueue path are the only writers and serialize
// access themselves.
type Store interface {
	// Cache operations

	// CacheData stores a collection-level snapshot under entityType with
	// the given TTL. Overwrites silently; last write wins.
	CacheData(entityType model.EntityType, payload []byte, ttl time.Duration) error

	// GetCachedData returns the snapshot stored under entityType, or nil
	// if it is missing or past its TTL. Never errors on a missing key.
	GetCachedData(entityType model.EntityType) (*model.CachedEntity, error)

	// ReconcileEntity merges an authoritative server record into the
	// record-level cache after a successful sync.
	ReconcileEntity(entity *model.CachedEntity) error

	// GetEntity returns the record-level cache entry, or nil if absent.
	GetEntity(entityType model.EntityType, entityID string) (*model.CachedEntity, error)

	// RemoveEntity drops a record-level cache entry. No-op if absent.
	RemoveEntity(entityType model.EntityType, entityID string) error

	// Queue operations

	// QueueAction durably appends the action and returns its assigned id.
	// The store assigns ID, Seq and CreatedAt and initializes the action
	// as pending with zero attempts.
	QueueAction(action *model.QueuedAction) (string, error)

	// ListPendingActions returns every unsynced action in insertion order.
	ListPendingActions() ([]*model.QueuedAction, error)

	// PendingCount returns the number of unsynced actions.
	PendingCount() (int, error)

	// MarkSynced flags the action as acknowledged by the server.
	// Calling it on an unknown or already-synced id is a no-op.
	MarkSynced(actionID string) error

	// RecordFailure increments the action's attempt count, stores the
	// error text, and sets the earliest time the next automatic attempt
	// may run. No-op on an unknown or non-pending id.
	RecordFailure(actionID, errMsg string, nextRetryAt time.Time) error

	// MoveToConflict removes the action from the active queue and retains
	// it for manual resolution. No-op on an unknown or non-pending id.
	MoveToConflict(actionID, reason string) error

	// MoveToDeadLetter parks the action after the retry budget is spent.
	// No-op on an unknown or non-pending id.
	MoveToDeadLetter(actionID, reason string) error

	// Conflicts returns conflicted and dead-lettered actions, oldest first.
	Conflicts() ([]*model.Conflict, error)

	// DiscardConflict deletes a resolved conflict. No-op on unknown id.
	DiscardConflict(actionID string) error

	// Sync metadata

	// LastServerSyncAt returns the time of the last fully successful sync,
	// or the zero time if the device has never synced.
	LastServerSyncAt() (time.Time, error)

	// SetLastServerSyncAt records a successful sync completion time.
	SetLastServerSyncAt(t time.Time) error

	// Close closes the store.
	Close() error
}
