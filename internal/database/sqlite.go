package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"edusync/internal/database/migrations"
	"edusync/internal/model"
	"edusync/internal/offline"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const lastSyncKey = "last_server_sync_at"

// SQLiteStore implements offline.Store on a single SQLite file.
// Payloads are passed through the Cipher before they hit disk.
type SQLiteStore struct {
	db     *sql.DB
	clock  offline.Clock
	idgen  offline.IDGenerator
	cipher offline.Cipher
	path   string
}

var _ offline.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the store at path and brings its
// schema up to date. path can be ":memory:" for an in-memory store.
// clock, idgen and cipher may be nil, selecting the real clock, UUIDs
// and plaintext storage respectively.
func NewSQLiteStore(path string, clock offline.Clock, idgen offline.IDGenerator, cipher offline.Cipher) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}

	if clock == nil {
		clock = offline.RealClock{}
	}
	if idgen == nil {
		idgen = offline.UUIDGenerator{}
	}
	if cipher == nil {
		cipher = offline.PlainCipher{}
	}

	return &SQLiteStore{
		db:     db,
		clock:  clock,
		idgen:  idgen,
		cipher: cipher,
		path:   path,
	}, nil
}

// OpenConnection opens a SQLite connection with the PRAGMAs the store
// relies on. Exported for tests that need a raw configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to ":memory:" would get its own empty
	// database, so pin the pool to a single connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Foreign keys default to OFF in SQLite for backward compatibility.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	return db, nil
}

// Cache operations

func (s *SQLiteStore) CacheData(entityType model.EntityType, payload []byte, ttl time.Duration) error {
	now := s.clock.Now()
	return s.upsertEntity(&model.CachedEntity{
		EntityType:   entityType,
		EntityID:     "",
		Payload:      payload,
		FetchedAt:    now,
		TTLExpiresAt: now.Add(ttl),
	})
}

func (s *SQLiteStore) GetCachedData(entityType model.EntityType) (*model.CachedEntity, error) {
	return s.getEntity(entityType, "", true)
}

func (s *SQLiteStore) ReconcileEntity(entity *model.CachedEntity) error {
	if entity.EntityID == "" {
		return fmt.Errorf("reconcile requires an entity id")
	}
	return s.upsertEntity(entity)
}

func (s *SQLiteStore) GetEntity(entityType model.EntityType, entityID string) (*model.CachedEntity, error) {
	return s.getEntity(entityType, entityID, false)
}

func (s *SQLiteStore) RemoveEntity(entityType model.EntityType, entityID string) error {
	_, err := s.db.Exec(
		`DELETE FROM cached_entities WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID,
	)
	if err != nil {
		return offline.NewPersistenceError("removing cached entity", err)
	}
	return nil
}

func (s *SQLiteStore) upsertEntity(entity *model.CachedEntity) error {
	sealed, err := s.cipher.Seal(entity.Payload)
	if err != nil {
		return offline.NewPersistenceError("sealing payload", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO cached_entities (entity_type, entity_id, payload, fetched_at, ttl_expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		   payload = excluded.payload,
		   fetched_at = excluded.fetched_at,
		   ttl_expires_at = excluded.ttl_expires_at`,
		string(entity.EntityType), entity.EntityID, sealed, entity.FetchedAt, entity.TTLExpiresAt,
	)
	if err != nil {
		return offline.NewPersistenceError("caching entity", err)
	}
	return nil
}

// getEntity returns nil for a missing row. With checkTTL set, an expired
// row also reads as nil; the row itself is left in place so a caller that
// prefers stale-but-usable data could still be served later.
func (s *SQLiteStore) getEntity(entityType model.EntityType, entityID string, checkTTL bool) (*model.CachedEntity, error) {
	row := s.db.QueryRow(
		`SELECT payload, fetched_at, ttl_expires_at FROM cached_entities
		 WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID,
	)

	entity := &model.CachedEntity{EntityType: entityType, EntityID: entityID}
	var sealed []byte
	if err := row.Scan(&sealed, &entity.FetchedAt, &entity.TTLExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, offline.NewPersistenceError("reading cached entity", err)
	}

	if checkTTL && entity.Expired(s.clock.Now()) {
		return nil, nil
	}

	payload, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, offline.NewPersistenceError("opening payload", err)
	}
	entity.Payload = payload
	return entity, nil
}

// Queue operations

func (s *SQLiteStore) QueueAction(action *model.QueuedAction) (string, error) {
	sealed, err := s.cipher.Seal(action.Payload)
	if err != nil {
		return "", offline.NewPersistenceError("sealing payload", err)
	}

	id := s.idgen.New()
	now := s.clock.Now()
	_, err = s.db.Exec(
		`INSERT INTO pending_actions (id, entity_type, operation, entity_id, payload, user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(action.EntityType), string(action.Operation), action.EntityID, sealed, action.UserID, now,
	)
	if err != nil {
		return "", offline.NewPersistenceError("queueing action", err)
	}

	action.ID = id
	action.CreatedAt = now
	action.Status = model.StatusPending
	return id, nil
}

func (s *SQLiteStore) ListPendingActions() ([]*model.QueuedAction, error) {
	rows, err := s.db.Query(
		`SELECT seq, id, entity_type, operation, entity_id, payload, user_id,
		        created_at, synced, attempt_count, last_error, next_retry_at
		 FROM pending_actions
		 WHERE status = ? AND synced = 0
		 ORDER BY seq`,
		string(model.StatusPending),
	)
	if err != nil {
		return nil, offline.NewPersistenceError("listing pending actions", err)
	}
	defer rows.Close()

	var actions []*model.QueuedAction
	for rows.Next() {
		a := &model.QueuedAction{Status: model.StatusPending}
		var sealed []byte
		var nextRetry sql.NullTime
		err := rows.Scan(
			&a.Seq, &a.ID, &a.EntityType, &a.Operation, &a.EntityID, &sealed,
			&a.UserID, &a.CreatedAt, &a.Synced, &a.AttemptCount, &a.LastError, &nextRetry,
		)
		if err != nil {
			return nil, offline.NewPersistenceError("scanning pending action", err)
		}
		if a.Payload, err = s.cipher.Open(sealed); err != nil {
			return nil, offline.NewPersistenceError("opening payload", err)
		}
		if nextRetry.Valid {
			a.NextRetryAt = nextRetry.Time
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, offline.NewPersistenceError("listing pending actions", err)
	}
	return actions, nil
}

func (s *SQLiteStore) PendingCount() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pending_actions WHERE status = ? AND synced = 0`,
		string(model.StatusPending),
	).Scan(&n)
	if err != nil {
		return 0, offline.NewPersistenceError("counting pending actions", err)
	}
	return n, nil
}

func (s *SQLiteStore) MarkSynced(actionID string) error {
	// Idempotent: touching an unknown or already-settled id matches no row.
	_, err := s.db.Exec(
		`UPDATE pending_actions
		 SET synced = 1, status = ?, status_at = ?, last_error = ''
		 WHERE id = ? AND status = ?`,
		string(model.StatusSynced), s.clock.Now(), actionID, string(model.StatusPending),
	)
	if err != nil {
		return offline.NewPersistenceError("marking action synced", err)
	}
	return nil
}

func (s *SQLiteStore) RecordFailure(actionID, errMsg string, nextRetryAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE pending_actions
		 SET attempt_count = attempt_count + 1, last_error = ?, next_retry_at = ?
		 WHERE id = ? AND status = ?`,
		errMsg, nextRetryAt, actionID, string(model.StatusPending),
	)
	if err != nil {
		return offline.NewPersistenceError("recording failure", err)
	}
	return nil
}

func (s *SQLiteStore) MoveToConflict(actionID, reason string) error {
	return s.settle(actionID, model.StatusConflict, reason)
}

func (s *SQLiteStore) MoveToDeadLetter(actionID, reason string) error {
	return s.settle(actionID, model.StatusDeadLetter, reason)
}

func (s *SQLiteStore) settle(actionID string, status model.ActionStatus, reason string) error {
	_, err := s.db.Exec(
		`UPDATE pending_actions
		 SET status = ?, status_at = ?, last_error = ?
		 WHERE id = ? AND status = ?`,
		string(status), s.clock.Now(), reason, actionID, string(model.StatusPending),
	)
	if err != nil {
		return offline.NewPersistenceError("settling action", err)
	}
	return nil
}

func (s *SQLiteStore) Conflicts() ([]*model.Conflict, error) {
	rows, err := s.db.Query(
		`SELECT seq, id, entity_type, operation, entity_id, payload, user_id,
		        created_at, attempt_count, last_error, status, status_at
		 FROM pending_actions
		 WHERE status IN (?, ?)
		 ORDER BY seq`,
		string(model.StatusConflict), string(model.StatusDeadLetter),
	)
	if err != nil {
		return nil, offline.NewPersistenceError("listing conflicts", err)
	}
	defer rows.Close()

	var conflicts []*model.Conflict
	for rows.Next() {
		c := &model.Conflict{}
		var sealed []byte
		var statusAt sql.NullTime
		err := rows.Scan(
			&c.Action.Seq, &c.Action.ID, &c.Action.EntityType, &c.Action.Operation,
			&c.Action.EntityID, &sealed, &c.Action.UserID, &c.Action.CreatedAt,
			&c.Action.AttemptCount, &c.Action.LastError, &c.Action.Status, &statusAt,
		)
		if err != nil {
			return nil, offline.NewPersistenceError("scanning conflict", err)
		}
		if c.Action.Payload, err = s.cipher.Open(sealed); err != nil {
			return nil, offline.NewPersistenceError("opening payload", err)
		}
		c.Reason = c.Action.LastError
		if statusAt.Valid {
			c.At = statusAt.Time
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, offline.NewPersistenceError("listing conflicts", err)
	}
	return conflicts, nil
}

func (s *SQLiteStore) DiscardConflict(actionID string) error {
	_, err := s.db.Exec(
		`DELETE FROM pending_actions WHERE id = ? AND status IN (?, ?)`,
		actionID, string(model.StatusConflict), string(model.StatusDeadLetter),
	)
	if err != nil {
		return offline.NewPersistenceError("discarding conflict", err)
	}
	return nil
}

// Sync metadata

func (s *SQLiteStore) LastServerSyncAt() (time.Time, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM sync_meta WHERE key = ?`, lastSyncKey).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, offline.NewPersistenceError("reading sync metadata", err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, offline.NewPersistenceError("parsing sync metadata", err)
	}
	return t, nil
}

func (s *SQLiteStore) SetLastServerSyncAt(t time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		lastSyncKey, t.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return offline.NewPersistenceError("writing sync metadata", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
