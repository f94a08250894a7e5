package offline

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"edusync/internal/model"
)

// Options tunes engine behavior. Zero values select the defaults.
type Options struct {
	// MaxAttempts is the retry budget per action before dead-lettering.
	MaxAttempts int
	// CallTimeout bounds each data-sync network call.
	CallTimeout time.Duration
	// Retry is the per-action backoff policy after transient failures.
	Retry Backoff
	// CacheTTL is applied to record-level cache entries written by
	// optimistic updates and reconciliation.
	CacheTTL time.Duration
	// OnConflict, if set, is invoked for every action moved to the
	// conflicts list (permanent failure or dead-letter).
	OnConflict func(model.Conflict)
	// Schedule arms a timer for automatic retries. Defaults to
	// time.AfterFunc. Tests inject a stub to stay deterministic.
	Schedule func(d time.Duration, fn func()) (stop func())
}

const (
	defaultMaxAttempts = 5
	defaultCallTimeout = 30 * time.Second
	defaultCacheTTL    = 24 * time.Hour
)

// Engine drives the action queue against the server and reconciles
// authoritative responses into the local store. It is the only writer of
// action sync state and of the last-server-sync timestamp.
type Engine struct {
	store     Store
	transport Transport
	conn      Connectivity
	gate      *Gate
	logger    Logger
	clock     Clock
	opts      Options

	mu           stdsync.Mutex
	syncing      bool
	lastSyncTime time.Time
	unsubscribe  func()
	stopRetry    func()
	closed       bool
}

// NewEngine creates an Engine with the provided dependencies.
// The gate may be nil, in which case offline writes are never gated.
func NewEngine(store Store, transport Transport, conn Connectivity, gate *Gate, logger Logger, clock Clock, opts Options) *Engine {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	if gate == nil {
		gate = NewGate(DefaultThresholds, nil, clock)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Retry == (Backoff{}) {
		opts.Retry = DefaultBackoff
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Schedule == nil {
		opts.Schedule = func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		}
	}
	return &Engine{
		store:     store,
		transport: transport,
		conn:      conn,
		gate:      gate,
		logger:    logger,
		clock:     clock,
		opts:      opts,
	}
}

// Start subscribes the engine to connectivity transitions so a confirmed
// reconnect triggers a sync. Call Close to release the subscription.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsubscribe != nil || e.closed {
		return
	}
	e.unsubscribe = e.conn.Subscribe(func(online bool) {
		if !online {
			return
		}
		go e.TriggerSync(ctx, false)
	})
}

// Close cancels the connectivity subscription and any armed retry timer.
// An in-flight drain is allowed to finish; Close does not wait for it.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	if e.stopRetry != nil {
		e.stopRetry()
		e.stopRetry = nil
	}
}

// QueueAction validates and durably enqueues a mutation, applying an
// optimistic update to the record-level cache. While offline the write is
// subject to the entitlement gate. Returns the assigned action id.
func (e *Engine) QueueAction(entityType model.EntityType, op model.Operation, entityID string, payload []byte, userID string) (string, error) {
	if !entityType.Valid() {
		return "", fmt.Errorf("unknown entity type: %q", entityType)
	}
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation: %q", op)
	}
	if entityID == "" {
		return "", fmt.Errorf("entity id is required")
	}

	online := e.conn.IsOnline()
	lastSync, err := e.store.LastServerSyncAt()
	if err != nil {
		return "", NewPersistenceError("reading sync metadata", err)
	}
	if err := e.gate.Authorize(lastSync, userID, online); err != nil {
		return "", err
	}

	id, err := e.store.QueueAction(&model.QueuedAction{
		EntityType: entityType,
		Operation:  op,
		EntityID:   entityID,
		Payload:    payload,
		UserID:     userID,
	})
	if err != nil {
		return "", err
	}

	// Optimistic update so reads reflect the local mutation before the
	// server confirms it.
	now := e.clock.Now()
	switch op {
	case model.OpCreate, model.OpUpdate:
		err = e.store.ReconcileEntity(&model.CachedEntity{
			EntityType:   entityType,
			EntityID:     entityID,
			Payload:      payload,
			FetchedAt:    now,
			TTLExpiresAt: now.Add(e.opts.CacheTTL),
		})
	case model.OpDelete:
		err = e.store.RemoveEntity(entityType, entityID)
	}
	if err != nil {
		// The action is durably queued; a failed optimistic update only
		// delays read freshness until the next reconciliation.
		e.logger.Warn("optimistic cache update failed", "action", id, "error", err)
	}

	e.logger.Debug("action queued", "action", id, "entity", string(entityType), "op", string(op))

	if online {
		go e.TriggerSync(context.Background(), false)
	}
	return id, nil
}

// TriggerSync drains the pending queue against the server. It returns
// true only if the entire queue drained without permanent failure.
//
// Only one drain runs at a time; a call while a drain is in flight
// returns false immediately. force bypasses per-action retry backoff
// (the manual "sync now" path).
func (e *Engine) TriggerSync(ctx context.Context, force bool) bool {
	e.mu.Lock()
	if e.syncing || e.closed {
		e.mu.Unlock()
		return false
	}
	e.syncing = true
	if e.stopRetry != nil {
		e.stopRetry()
		e.stopRetry = nil
	}
	e.mu.Unlock()

	ok := e.drain(ctx, force)

	now := e.clock.Now()
	e.mu.Lock()
	e.lastSyncTime = now
	e.syncing = false
	e.mu.Unlock()

	if ok {
		if err := e.store.SetLastServerSyncAt(now); err != nil {
			e.logger.Error("recording sync completion", "error", err)
			return false
		}
		e.logger.Info("sync completed", "at", now)
	} else {
		e.scheduleRetry(now)
	}
	return ok
}

// drain walks the pending queue in insertion order, preserving per-entity
// FIFO: once an action for a record fails, later actions for the same
// record are not attempted in this drain (transient) or are conflicted
// alongside it (permanent). Independent records keep draining.
func (e *Engine) drain(ctx context.Context, force bool) bool {
	actions, err := e.store.ListPendingActions()
	if err != nil {
		e.logger.Error("listing pending actions", "error", err)
		return false
	}
	if len(actions) == 0 {
		return true
	}

	e.logger.Debug("draining queue", "pending", len(actions))

	blocked := make(map[string]bool)  // transient failure this drain
	poisoned := make(map[string]bool) // permanent failure this drain
	clean := true

	for _, a := range actions {
		key := a.EntityKey()

		if poisoned[key] {
			reason := "an earlier change to this record was rejected by the server"
			if err := e.store.MoveToConflict(a.ID, reason); err != nil {
				e.logger.Error("moving action to conflicts", "action", a.ID, "error", err)
				return false
			}
			e.notifyConflict(a, reason)
			continue
		}
		if blocked[key] {
			clean = false
			continue
		}
		if !force && !a.NextRetryAt.IsZero() && a.NextRetryAt.After(e.clock.Now()) {
			// Not yet due for retry; later actions on the same record
			// must wait behind it.
			blocked[key] = true
			clean = false
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		canonical, err := e.transport.Send(callCtx, a)
		cancel()

		switch {
		case err == nil:
			if err := e.acknowledge(a, canonical); err != nil {
				e.logger.Error("acknowledging action", "action", a.ID, "error", err)
				return false
			}

		case IsPermanent(err):
			e.logger.Warn("action rejected by server", "action", a.ID, "entity", key, "error", err)
			if serr := e.store.MoveToConflict(a.ID, err.Error()); serr != nil {
				e.logger.Error("moving action to conflicts", "action", a.ID, "error", serr)
				return false
			}
			e.notifyConflict(a, err.Error())
			poisoned[key] = true
			clean = false

		default: // transient: network error or 5xx
			clean = false
			blocked[key] = true
			attempts := a.AttemptCount + 1
			if attempts >= e.opts.MaxAttempts {
				reason := "retry budget exhausted: " + err.Error()
				e.logger.Warn("action dead-lettered", "action", a.ID, "attempts", attempts)
				if serr := e.store.MoveToDeadLetter(a.ID, reason); serr != nil {
					e.logger.Error("dead-lettering action", "action", a.ID, "error", serr)
					return false
				}
				e.notifyConflict(a, reason)
				continue
			}
			delay := e.opts.Retry.Delay(a.AttemptCount)
			e.logger.Debug("transient sync failure", "action", a.ID, "attempt", attempts, "retry_in", delay)
			if serr := e.store.RecordFailure(a.ID, err.Error(), e.clock.Now().Add(delay)); serr != nil {
				e.logger.Error("recording failure", "action", a.ID, "error", serr)
				return false
			}
		}
	}

	return clean
}

// acknowledge marks a delivered action synced and reconciles the server's
// canonical representation into the cache.
func (e *Engine) acknowledge(a *model.QueuedAction, canonical []byte) error {
	if err := e.store.MarkSynced(a.ID); err != nil {
		return err
	}
	now := e.clock.Now()
	if a.Operation == model.OpDelete {
		return e.store.RemoveEntity(a.EntityType, a.EntityID)
	}
	if canonical == nil {
		return nil
	}
	return e.store.ReconcileEntity(&model.CachedEntity{
		EntityType:   a.EntityType,
		EntityID:     a.EntityID,
		Payload:      canonical,
		FetchedAt:    now,
		TTLExpiresAt: now.Add(e.opts.CacheTTL),
	})
}

// scheduleRetry arms a timer for the earliest pending retry, so transient
// failures recover without a manual "sync now".
func (e *Engine) scheduleRetry(now time.Time) {
	actions, err := e.store.ListPendingActions()
	if err != nil || len(actions) == 0 {
		return
	}

	earliest := time.Time{}
	for _, a := range actions {
		if a.NextRetryAt.IsZero() {
			continue
		}
		if earliest.IsZero() || a.NextRetryAt.Before(earliest) {
			earliest = a.NextRetryAt
		}
	}
	if earliest.IsZero() {
		return
	}

	delay := earliest.Sub(now)
	if delay < 0 {
		delay = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.stopRetry != nil {
		return
	}
	e.stopRetry = e.opts.Schedule(delay, func() {
		e.mu.Lock()
		e.stopRetry = nil
		e.mu.Unlock()
		if e.conn.IsOnline() {
			e.TriggerSync(context.Background(), false)
		}
	})
}

func (e *Engine) notifyConflict(a *model.QueuedAction, reason string) {
	if e.opts.OnConflict == nil {
		return
	}
	e.opts.OnConflict(model.Conflict{Action: *a, Reason: reason, At: e.clock.Now()})
}

// Status returns the current sync status. Queue size is derived from the
// store on every call so the view never goes stale.
func (e *Engine) Status() model.SyncStatus {
	count, err := e.store.PendingCount()
	if err != nil {
		e.logger.Error("counting pending actions", "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return model.SyncStatus{
		IsOnline:     e.conn.IsOnline(),
		QueueSize:    count,
		IsSyncing:    e.syncing,
		LastSyncTime: e.lastSyncTime,
	}
}

// EntitlementState returns the offline-permission snapshot for userID.
func (e *Engine) EntitlementState(userID string) (model.OfflineEntitlementState, error) {
	lastSync, err := e.store.LastServerSyncAt()
	if err != nil {
		return model.OfflineEntitlementState{}, NewPersistenceError("reading sync metadata", err)
	}
	return e.gate.State(lastSync, userID), nil
}
