package server

import (
	stdsync "sync"
	"time"

	"edusync/internal/model"
)

// Record is the canonical server representation of an entity. Version
// increments on every accepted write and is how conflicting updates are
// detected.
type Record struct {
	ID        string                 `json:"id"`
	Version   int64                  `json:"version"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Data      map[string]interface{} `json:"data"`
}

// recordStore holds versioned records per entity type. Safe for
// concurrent use.
type recordStore struct {
	mu     stdsync.RWMutex
	tables map[model.EntityType]map[string]*Record
}

func newRecordStore() *recordStore {
	return &recordStore{tables: make(map[model.EntityType]map[string]*Record)}
}

func (s *recordStore) list(t model.EntityType) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*Record, 0, len(s.tables[t]))
	for _, r := range s.tables[t] {
		records = append(records, r)
	}
	return records
}

func (s *recordStore) get(t model.EntityType, id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables[t][id]
}

// create inserts a new record. Returns false if the id is taken.
func (s *recordStore) create(t model.EntityType, id string, data map[string]interface{}, now time.Time) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.tables[t]
	if table == nil {
		table = make(map[string]*Record)
		s.tables[t] = table
	}
	if _, exists := table[id]; exists {
		return nil, false
	}

	r := &Record{ID: id, Version: 1, UpdatedAt: now, Data: data}
	table[id] = r
	return r, true
}

// update replaces a record's data if baseVersion matches the stored
// version. found=false means no such record; ok=false means a version
// conflict.
func (s *recordStore) update(t model.EntityType, id string, baseVersion int64, data map[string]interface{}, now time.Time) (r *Record, found, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.tables[t][id]
	if existing == nil {
		return nil, false, false
	}
	if baseVersion != existing.Version {
		return existing, true, false
	}

	existing.Version++
	existing.UpdatedAt = now
	existing.Data = data
	return existing, true, true
}

// remove deletes a record. Removing an absent record is a no-op so
// retried deletes stay idempotent.
func (s *recordStore) remove(t model.EntityType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables[t], id)
}
