package transport

import (
	"context"
	"fmt"
	stdsync "sync"

	"edusync/internal/model"
	"edusync/internal/offline"
)

// MemoryTransport is an in-memory implementation of offline.Transport.
// It applies actions to an in-process record table, which makes it useful
// for tests and for running the engine without a server. Safe for
// concurrent use.
type MemoryTransport struct {
	mu        stdsync.Mutex
	records   map[model.EntityType]map[string][]byte
	reachable bool

	// SendHook, if set, intercepts Send and its result replaces the
	// default behavior. Tests use it to inject failures.
	SendHook func(action *model.QueuedAction) ([]byte, error)
}

var _ offline.Transport = (*MemoryTransport)(nil)

// NewMemoryTransport creates a reachable MemoryTransport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		records:   make(map[model.EntityType]map[string][]byte),
		reachable: true,
	}
}

// SetReachable controls whether Probe and Send succeed.
func (t *MemoryTransport) SetReachable(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reachable = ok
}

func (t *MemoryTransport) Send(_ context.Context, action *model.QueuedAction) ([]byte, error) {
	if t.SendHook != nil {
		return t.SendHook(action)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.reachable {
		return nil, &offline.TransientSyncError{Err: fmt.Errorf("server unreachable")}
	}

	table := t.records[action.EntityType]
	if table == nil {
		table = make(map[string][]byte)
		t.records[action.EntityType] = table
	}

	switch action.Operation {
	case model.OpCreate:
		if _, exists := table[action.EntityID]; exists {
			return nil, &offline.PermanentSyncError{StatusCode: 409, Reason: "record already exists"}
		}
		table[action.EntityID] = action.Payload
		return action.Payload, nil
	case model.OpUpdate:
		if _, exists := table[action.EntityID]; !exists {
			return nil, &offline.PermanentSyncError{StatusCode: 404, Reason: "record not found"}
		}
		table[action.EntityID] = action.Payload
		return action.Payload, nil
	case model.OpDelete:
		delete(table, action.EntityID)
		return nil, nil
	default:
		return nil, &offline.PermanentSyncError{StatusCode: 400, Reason: "unknown operation"}
	}
}

func (t *MemoryTransport) Probe(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.reachable {
		return fmt.Errorf("server unreachable")
	}
	return nil
}

// Record returns the stored payload for a record, or nil.
func (t *MemoryTransport) Record(entityType model.EntityType, id string) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[entityType][id]
}
