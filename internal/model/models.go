package model

import (
	"fmt"
	"time"
)

// EntityType identifies the server-owned record kind an action or cache
// entry refers to.
type EntityType string

const (
	EntityAttendance EntityType = "attendance"
	EntityGrade      EntityType = "grade"
	EntityHomework   EntityType = "homework"
	EntityMessage    EntityType = "message"
	EntityAssignment EntityType = "assignment"
	EntityStudent    EntityType = "student"
	EntityClass      EntityType = "class"
	EntityTeacher    EntityType = "teacher"
)

// EntityTypes lists every known entity type.
var EntityTypes = []EntityType{
	EntityAttendance,
	EntityGrade,
	EntityHomework,
	EntityMessage,
	EntityAssignment,
	EntityStudent,
	EntityClass,
	EntityTeacher,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Operation is the mutation kind carried by a queued action.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// ActionStatus tracks where a queued action is in its lifecycle.
type ActionStatus string

const (
	// StatusPending means the action awaits delivery to the server.
	StatusPending ActionStatus = "pending"
	// StatusSynced means the server acknowledged the action.
	StatusSynced ActionStatus = "synced"
	// StatusConflict means the server rejected the action permanently;
	// it is retained for manual resolution, never retried.
	StatusConflict ActionStatus = "conflict"
	// StatusDeadLetter means the action exceeded the retry budget;
	// it is retained for visibility, not retried automatically.
	StatusDeadLetter ActionStatus = "dead_letter"
)

// QueuedAction is a pending local mutation awaiting server confirmation.
// After creation only Synced, AttemptCount, LastError, Status and
// NextRetryAt change; the mutation itself (operation, payload) is immutable.
type QueuedAction struct {
	ID           string
	Seq          int64 // insertion order, assigned by the store
	EntityType   EntityType
	Operation    Operation
	EntityID     string // logical record the action targets
	Payload      []byte // opaque JSON
	UserID       string
	CreatedAt    time.Time
	Synced       bool
	AttemptCount int
	LastError    string
	Status       ActionStatus
	NextRetryAt  time.Time // zero means eligible immediately
}

// EntityKey returns the per-entity ordering key. Actions sharing a key
// must reach the server in insertion order.
func (a *QueuedAction) EntityKey() string {
	return string(a.EntityType) + "/" + a.EntityID
}

// CachedEntity is a read-only snapshot of server-owned data.
// EntityID is empty for collection-level snapshots stored via CacheData.
type CachedEntity struct {
	EntityType   EntityType
	EntityID     string
	Payload      []byte
	FetchedAt    time.Time
	TTLExpiresAt time.Time
}

// Expired reports whether the snapshot is past its TTL at the given time.
func (c *CachedEntity) Expired(now time.Time) bool {
	return now.After(c.TTLExpiresAt)
}

// SyncStatus is the session-scoped view exposed to UI indicators.
// It is derived state: queue size comes from the store, connectivity from
// the network monitor.
type SyncStatus struct {
	IsOnline     bool
	QueueSize    int
	IsSyncing    bool
	LastSyncTime time.Time
}

// WarningLevel grades how long the device has been without a server sync.
type WarningLevel string

const (
	WarningNone   WarningLevel = "none"
	WarningLight  WarningLevel = "light"
	WarningUrgent WarningLevel = "urgent"
)

// OfflineEntitlementState is the computed offline-permission snapshot.
type OfflineEntitlementState struct {
	DaysOffline        int
	LastServerSyncAt   time.Time
	WarningLevel       WarningLevel
	OfflineModeEnabled bool
	WritesBlocked      bool
}

// Conflict is a permanently failed or dead-lettered action surfaced for
// manual resolution.
type Conflict struct {
	Action QueuedAction
	Reason string
	At     time.Time
}

func (c *Conflict) String() string {
	return fmt.Sprintf("%s %s %s: %s", c.Action.Operation, c.Action.EntityType, c.Action.EntityID, c.Reason)
}
