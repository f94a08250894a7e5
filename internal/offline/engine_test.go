package offline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"edusync/internal/database"
	"edusync/internal/encryption"
	"edusync/internal/model"
	"edusync/internal/offline"
	"edusync/internal/testutil"
	"edusync/internal/transport"
)

// noSchedule keeps automatic retry timers out of tests.
func noSchedule(time.Duration, func()) func() {
	return func() {}
}

func newTestEngine(t *testing.T, conn *testutil.StubConnectivity, tr offline.Transport, opts offline.Options) (*offline.Engine, *database.SQLiteStore, *testutil.StubClock) {
	t.Helper()

	store, clock := testutil.NewTestStore(t)
	if opts.Schedule == nil {
		opts.Schedule = noSchedule
	}
	engine := offline.NewEngine(store, tr, conn, nil, offline.NewNopLogger(), clock, opts)
	t.Cleanup(engine.Close)
	return engine, store, clock
}

func queueOffline(t *testing.T, e *offline.Engine, entityType model.EntityType, op model.Operation, entityID string, payload []byte) string {
	t.Helper()

	id, err := e.QueueAction(entityType, op, entityID, payload, "user-1")
	if err != nil {
		t.Fatalf("QueueAction(%s %s/%s) error = %v", op, entityType, entityID, err)
	}
	return id
}

func TestEngine_QueueAction(t *testing.T) {
	t.Run("rejects unknown entity type", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		engine, _, _ := newTestEngine(t, conn, transport.NewMemoryTransport(), offline.Options{})

		if _, err := engine.QueueAction("invoice", model.OpCreate, "x", nil, "user-1"); err == nil {
			t.Fatal("QueueAction() with unknown entity type succeeded, want error")
		}
	})

	t.Run("rejects unknown operation", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		engine, _, _ := newTestEngine(t, conn, transport.NewMemoryTransport(), offline.Options{})

		if _, err := engine.QueueAction(model.EntityAttendance, "upsert", "x", nil, "user-1"); err == nil {
			t.Fatal("QueueAction() with unknown operation succeeded, want error")
		}
	})

	t.Run("rejects an empty entity id", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		engine, store, _ := newTestEngine(t, conn, transport.NewMemoryTransport(), offline.Options{})

		if _, err := engine.QueueAction(model.EntityGrade, model.OpUpdate, "", []byte(`{}`), "user-1"); err == nil {
			t.Fatal("QueueAction() with empty entity id succeeded, want error")
		}

		count, err := store.PendingCount()
		if err != nil {
			t.Fatalf("PendingCount() error = %v", err)
		}
		if count != 0 {
			t.Errorf("pending after rejected queue = %d, want 0", count)
		}
	})

	t.Run("persists the action and applies an optimistic cache update", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		engine, store, _ := newTestEngine(t, conn, transport.NewMemoryTransport(), offline.Options{})

		payload := []byte(`{"status":"present"}`)
		id := queueOffline(t, engine, model.EntityAttendance, model.OpCreate, "att-1", payload)
		if id == "" {
			t.Fatal("QueueAction() returned empty id")
		}

		pending, err := store.ListPendingActions()
		if err != nil {
			t.Fatalf("ListPendingActions() error = %v", err)
		}
		if len(pending) != 1 {
			t.Fatalf("pending actions = %d, want 1", len(pending))
		}
		if pending[0].ID != id || pending[0].AttemptCount != 0 {
			t.Errorf("pending action = %+v, want id %s with no attempts", pending[0], id)
		}

		entity, err := store.GetEntity(model.EntityAttendance, "att-1")
		if err != nil {
			t.Fatalf("GetEntity() error = %v", err)
		}
		if entity == nil || string(entity.Payload) != string(payload) {
			t.Errorf("cached entity = %+v, want optimistic payload", entity)
		}
	})

	t.Run("delete removes the cached record immediately", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		engine, store, _ := newTestEngine(t, conn, transport.NewMemoryTransport(), offline.Options{})

		queueOffline(t, engine, model.EntityGrade, model.OpCreate, "g-1", []byte(`{"score":15}`))
		queueOffline(t, engine, model.EntityGrade, model.OpDelete, "g-1", nil)

		entity, err := store.GetEntity(model.EntityGrade, "g-1")
		if err != nil {
			t.Fatalf("GetEntity() error = %v", err)
		}
		if entity != nil {
			t.Errorf("cached entity after delete = %+v, want nil", entity)
		}
	})

	t.Run("queuing while online starts a sync", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(true)
		tr := transport.NewMemoryTransport()
		sent := make(chan string, 1)
		tr.SendHook = func(a *model.QueuedAction) ([]byte, error) {
			sent <- a.EntityID
			return a.Payload, nil
		}
		engine, _, _ := newTestEngine(t, conn, tr, offline.Options{})

		queueOffline(t, engine, model.EntityMessage, model.OpCreate, "m-1", []byte(`{}`))

		select {
		case got := <-sent:
			if got != "m-1" {
				t.Errorf("synced entity = %s, want m-1", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no sync attempt after queuing while online")
		}
	})
}

func TestEngine_TriggerSync(t *testing.T) {
	t.Run("empty queue drains clean", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(true)
		engine, store, clock := newTestEngine(t, conn, transport.NewMemoryTransport(), offline.Options{})

		if !engine.TriggerSync(context.Background(), false) {
			t.Fatal("TriggerSync() = false, want true")
		}

		last, err := store.LastServerSyncAt()
		if err != nil {
			t.Fatalf("LastServerSyncAt() error = %v", err)
		}
		if !last.Equal(clock.Now()) {
			t.Errorf("LastServerSyncAt() = %v, want %v", last, clock.Now())
		}
	})

	t.Run("drains pending actions in order and reconciles canonical state", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		tr := transport.NewMemoryTransport()
		engine, store, _ := newTestEngine(t, conn, tr, offline.Options{})

		queueOffline(t, engine, model.EntityHomework, model.OpCreate, "hw-1", []byte(`{"title":"essay"}`))
		queueOffline(t, engine, model.EntityHomework, model.OpUpdate, "hw-1", []byte(`{"title":"essay, part 2"}`))

		conn.SetOnline(true)
		if !engine.TriggerSync(context.Background(), false) {
			t.Fatal("TriggerSync() = false, want true")
		}

		count, err := store.PendingCount()
		if err != nil {
			t.Fatalf("PendingCount() error = %v", err)
		}
		if count != 0 {
			t.Errorf("pending after sync = %d, want 0", count)
		}
		if got := tr.Record(model.EntityHomework, "hw-1"); string(got) != `{"title":"essay, part 2"}` {
			t.Errorf("server record = %s, want final update applied last", got)
		}

		entity, err := store.GetEntity(model.EntityHomework, "hw-1")
		if err != nil {
			t.Fatalf("GetEntity() error = %v", err)
		}
		if entity == nil || string(entity.Payload) != `{"title":"essay, part 2"}` {
			t.Errorf("cached entity = %+v, want canonical server payload", entity)
		}
	})

	t.Run("only one drain runs at a time", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(true)
		tr := transport.NewMemoryTransport()
		entered := make(chan struct{})
		release := make(chan struct{})
		tr.SendHook = func(a *model.QueuedAction) ([]byte, error) {
			entered <- struct{}{}
			<-release
			return a.Payload, nil
		}
		engine, _, _ := newTestEngine(t, conn, tr, offline.Options{})

		conn.SetOnline(false)
		queueOffline(t, engine, model.EntityStudent, model.OpCreate, "s-1", []byte(`{}`))
		conn.SetOnline(true)

		done := make(chan bool)
		go func() { done <- engine.TriggerSync(context.Background(), false) }()
		<-entered

		if engine.TriggerSync(context.Background(), false) {
			t.Error("concurrent TriggerSync() = true, want false while a drain is in flight")
		}
		if st := engine.Status(); !st.IsSyncing {
			t.Error("Status().IsSyncing = false during drain")
		}

		close(release)
		if !<-done {
			t.Error("first TriggerSync() = false, want true")
		}
	})

	t.Run("transient failure schedules a retry and leaves the action pending", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		tr := transport.NewMemoryTransport()
		engine, store, clock := newTestEngine(t, conn, tr, offline.Options{
			Retry: offline.Backoff{Base: 10 * time.Second, Max: time.Minute},
		})

		queueOffline(t, engine, model.EntityGrade, model.OpCreate, "g-1", []byte(`{}`))

		tr.SetReachable(false)
		conn.SetOnline(true)
		if engine.TriggerSync(context.Background(), false) {
			t.Fatal("TriggerSync() = true, want false on transient failure")
		}

		pending, err := store.ListPendingActions()
		if err != nil {
			t.Fatalf("ListPendingActions() error = %v", err)
		}
		if len(pending) != 1 {
			t.Fatalf("pending actions = %d, want 1", len(pending))
		}
		a := pending[0]
		if a.AttemptCount != 1 {
			t.Errorf("attempt count = %d, want 1", a.AttemptCount)
		}
		if a.LastError == "" {
			t.Error("last error not recorded")
		}
		if want := clock.Now().Add(10 * time.Second); !a.NextRetryAt.Equal(want) {
			t.Errorf("next retry at = %v, want %v", a.NextRetryAt, want)
		}

		// The failed drain must not advance the server-sync baseline.
		last, err := store.LastServerSyncAt()
		if err != nil {
			t.Fatalf("LastServerSyncAt() error = %v", err)
		}
		if !last.IsZero() {
			t.Errorf("LastServerSyncAt() = %v, want zero after failed drain", last)
		}
	})

	t.Run("transient failure on one entity does not stall the others", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		tr := transport.NewMemoryTransport()
		var sent []string
		tr.SendHook = func(a *model.QueuedAction) ([]byte, error) {
			sent = append(sent, a.EntityKey())
			if a.EntityType == model.EntityGrade {
				return nil, &offline.TransientSyncError{StatusCode: 503, Err: context.DeadlineExceeded}
			}
			return a.Payload, nil
		}
		engine, store, _ := newTestEngine(t, conn, tr, offline.Options{})

		queueOffline(t, engine, model.EntityGrade, model.OpCreate, "g-1", []byte(`{"score":12}`))
		queueOffline(t, engine, model.EntityGrade, model.OpUpdate, "g-1", []byte(`{"score":14}`))
		queueOffline(t, engine, model.EntityMessage, model.OpCreate, "m-1", []byte(`{}`))

		conn.SetOnline(true)
		if engine.TriggerSync(context.Background(), false) {
			t.Fatal("TriggerSync() = true, want false while one entity is failing")
		}

		// Only the failing entity's head and the other entity were tried;
		// the queued update behind the failure must never reach the server.
		want := []string{"grade/g-1", "message/m-1"}
		if len(sent) != len(want) || sent[0] != want[0] || sent[1] != want[1] {
			t.Errorf("sent = %v, want %v", sent, want)
		}

		pending, err := store.ListPendingActions()
		if err != nil {
			t.Fatalf("ListPendingActions() error = %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("pending actions = %d, want 2", len(pending))
		}
		if pending[0].Operation != model.OpCreate || pending[0].AttemptCount != 1 {
			t.Errorf("head = %s with %d attempts, want create with 1", pending[0].Operation, pending[0].AttemptCount)
		}
		if pending[1].Operation != model.OpUpdate || pending[1].AttemptCount != 0 {
			t.Errorf("successor = %s with %d attempts, want update with 0", pending[1].Operation, pending[1].AttemptCount)
		}

		last, err := store.LastServerSyncAt()
		if err != nil {
			t.Fatalf("LastServerSyncAt() error = %v", err)
		}
		if !last.IsZero() {
			t.Errorf("LastServerSyncAt() = %v, want zero after partial drain", last)
		}
	})

	t.Run("backoff defers retry until due, force overrides it", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		tr := transport.NewMemoryTransport()
		attempts := 0
		tr.SendHook = func(a *model.QueuedAction) ([]byte, error) {
			attempts++
			return nil, &offline.TransientSyncError{StatusCode: 503, Err: context.DeadlineExceeded}
		}
		engine, _, clock := newTestEngine(t, conn, tr, offline.Options{
			MaxAttempts: 10,
			Retry:       offline.Backoff{Base: time.Minute, Max: time.Hour},
		})

		queueOffline(t, engine, model.EntityGrade, model.OpCreate, "g-1", []byte(`{}`))
		conn.SetOnline(true)

		engine.TriggerSync(context.Background(), false)
		if attempts != 1 {
			t.Fatalf("attempts = %d, want 1", attempts)
		}

		// Not yet due: the action must be skipped, not re-sent.
		engine.TriggerSync(context.Background(), false)
		if attempts != 1 {
			t.Errorf("attempts after early retry = %d, want 1", attempts)
		}

		// force bypasses the backoff window.
		engine.TriggerSync(context.Background(), true)
		if attempts != 2 {
			t.Errorf("attempts after forced retry = %d, want 2", attempts)
		}

		// Once due, a normal sync retries it.
		clock.Advance(3 * time.Minute)
		engine.TriggerSync(context.Background(), false)
		if attempts != 3 {
			t.Errorf("attempts after due retry = %d, want 3", attempts)
		}
	})

	t.Run("permanent failure moves the action to conflicts", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		tr := transport.NewMemoryTransport()
		var conflicts []model.Conflict
		engine, store, _ := newTestEngine(t, conn, tr, offline.Options{
			OnConflict: func(c model.Conflict) { conflicts = append(conflicts, c) },
		})

		// Updating a record the server has never seen is a permanent 404.
		id := queueOffline(t, engine, model.EntityAssignment, model.OpUpdate, "as-1", []byte(`{}`))
		conn.SetOnline(true)
		if engine.TriggerSync(context.Background(), false) {
			t.Fatal("TriggerSync() = true, want false on permanent failure")
		}

		count, err := store.PendingCount()
		if err != nil {
			t.Fatalf("PendingCount() error = %v", err)
		}
		if count != 0 {
			t.Errorf("pending after conflict = %d, want 0", count)
		}

		stored, err := store.Conflicts()
		if err != nil {
			t.Fatalf("Conflicts() error = %v", err)
		}
		if len(stored) != 1 || stored[0].Action.ID != id {
			t.Fatalf("stored conflicts = %+v, want action %s", stored, id)
		}
		if stored[0].Action.Status != model.StatusConflict {
			t.Errorf("conflict status = %s, want %s", stored[0].Action.Status, model.StatusConflict)
		}
		if len(conflicts) != 1 || conflicts[0].Action.ID != id {
			t.Errorf("conflict notifications = %+v, want one for %s", conflicts, id)
		}
	})

	t.Run("permanent failure conflicts queued successors for the same record", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		tr := transport.NewMemoryTransport()
		engine, store, _ := newTestEngine(t, conn, tr, offline.Options{})

		// Both actions target a record unknown to the server; the second
		// must not be attempted on its own once the first is rejected.
		queueOffline(t, engine, model.EntityGrade, model.OpUpdate, "g-9", []byte(`{"score":10}`))
		queueOffline(t, engine, model.EntityGrade, model.OpUpdate, "g-9", []byte(`{"score":12}`))
		okID := queueOffline(t, engine, model.EntityMessage, model.OpCreate, "m-1", []byte(`{}`))

		conn.SetOnline(true)
		engine.TriggerSync(context.Background(), false)

		stored, err := store.Conflicts()
		if err != nil {
			t.Fatalf("Conflicts() error = %v", err)
		}
		if len(stored) != 2 {
			t.Fatalf("conflicts = %d, want 2", len(stored))
		}
		for _, c := range stored {
			if c.Action.ID == okID {
				t.Errorf("independent action %s ended up in conflicts", okID)
			}
		}

		// The unrelated record still synced.
		if got := tr.Record(model.EntityMessage, "m-1"); got == nil {
			t.Error("independent record did not sync")
		}
		count, _ := store.PendingCount()
		if count != 0 {
			t.Errorf("pending after drain = %d, want 0", count)
		}
	})

	t.Run("dead-letters an action after the retry budget", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		tr := transport.NewMemoryTransport()
		var conflicts []model.Conflict
		engine, store, _ := newTestEngine(t, conn, tr, offline.Options{
			MaxAttempts: 2,
			OnConflict:  func(c model.Conflict) { conflicts = append(conflicts, c) },
		})

		id := queueOffline(t, engine, model.EntityClass, model.OpCreate, "c-1", []byte(`{}`))

		tr.SetReachable(false)
		conn.SetOnline(true)
		engine.TriggerSync(context.Background(), true)
		engine.TriggerSync(context.Background(), true)

		count, _ := store.PendingCount()
		if count != 0 {
			t.Errorf("pending after dead-letter = %d, want 0", count)
		}

		stored, err := store.Conflicts()
		if err != nil {
			t.Fatalf("Conflicts() error = %v", err)
		}
		if len(stored) != 1 || stored[0].Action.ID != id {
			t.Fatalf("conflicts = %+v, want dead-lettered action %s", stored, id)
		}
		if stored[0].Action.Status != model.StatusDeadLetter {
			t.Errorf("status = %s, want %s", stored[0].Action.Status, model.StatusDeadLetter)
		}
		if len(conflicts) != 1 {
			t.Errorf("conflict notifications = %d, want 1", len(conflicts))
		}
	})

	t.Run("arms a retry timer after a failed drain", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		tr := transport.NewMemoryTransport()
		var armed []time.Duration
		engine, _, _ := newTestEngine(t, conn, tr, offline.Options{
			Retry: offline.Backoff{Base: 30 * time.Second, Max: time.Hour},
			Schedule: func(d time.Duration, fn func()) func() {
				armed = append(armed, d)
				return func() {}
			},
		})

		queueOffline(t, engine, model.EntityGrade, model.OpCreate, "g-1", []byte(`{}`))
		tr.SetReachable(false)
		conn.SetOnline(true)
		engine.TriggerSync(context.Background(), false)

		if len(armed) != 1 {
			t.Fatalf("retry timers armed = %d, want 1", len(armed))
		}
		if armed[0] != 30*time.Second {
			t.Errorf("retry delay = %v, want 30s", armed[0])
		}
	})
}

func TestEngine_EntitlementGating(t *testing.T) {
	t.Run("blocks offline writes after the blocked threshold", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		engine, store, clock := newTestEngine(t, conn, transport.NewMemoryTransport(), offline.Options{})

		if err := store.SetLastServerSyncAt(clock.Now()); err != nil {
			t.Fatalf("SetLastServerSyncAt() error = %v", err)
		}
		clock.Advance(15 * 24 * time.Hour)

		_, err := engine.QueueAction(model.EntityAttendance, model.OpCreate, "att-1", nil, "user-1")
		var entErr *offline.EntitlementError
		if !errors.As(err, &entErr) {
			t.Fatalf("QueueAction() error = %v, want EntitlementError", err)
		}

		st, err := engine.EntitlementState("user-1")
		if err != nil {
			t.Fatalf("EntitlementState() error = %v", err)
		}
		if !st.WritesBlocked || st.DaysOffline != 15 {
			t.Errorf("entitlement state = %+v, want 15 days offline with writes blocked", st)
		}
	})

	t.Run("online writes are never gated", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(true)
		engine, store, clock := newTestEngine(t, conn, transport.NewMemoryTransport(), offline.Options{})

		if err := store.SetLastServerSyncAt(clock.Now()); err != nil {
			t.Fatalf("SetLastServerSyncAt() error = %v", err)
		}
		clock.Advance(30 * 24 * time.Hour)

		if _, err := engine.QueueAction(model.EntityAttendance, model.OpCreate, "att-1", nil, "user-1"); err != nil {
			t.Fatalf("QueueAction() while online error = %v", err)
		}
	})

	t.Run("a successful sync resets the offline counter", func(t *testing.T) {
		conn := testutil.NewStubConnectivity(false)
		engine, store, clock := newTestEngine(t, conn, transport.NewMemoryTransport(), offline.Options{})

		if err := store.SetLastServerSyncAt(clock.Now()); err != nil {
			t.Fatalf("SetLastServerSyncAt() error = %v", err)
		}
		clock.Advance(10 * 24 * time.Hour)

		conn.SetOnline(true)
		if !engine.TriggerSync(context.Background(), false) {
			t.Fatal("TriggerSync() = false, want true")
		}

		st, err := engine.EntitlementState("user-1")
		if err != nil {
			t.Fatalf("EntitlementState() error = %v", err)
		}
		if st.DaysOffline != 0 || st.WarningLevel != model.WarningNone {
			t.Errorf("entitlement state after sync = %+v, want counter reset", st)
		}
	})
}

func TestEngine_EncryptedStore(t *testing.T) {
	// Payloads must survive the at-rest cipher on both the queue and the
	// cache path.
	enc := encryption.NewTestEncryptor()
	cipher, err := enc.Unlock("")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	store, clock := testutil.NewTestStoreWithCipher(t, cipher)
	conn := testutil.NewStubConnectivity(false)
	tr := transport.NewMemoryTransport()
	engine := offline.NewEngine(store, tr, conn, nil, offline.NewNopLogger(), clock, offline.Options{Schedule: noSchedule})
	defer engine.Close()

	payload := []byte(`{"status":"late"}`)
	if _, err := engine.QueueAction(model.EntityAttendance, model.OpCreate, "att-1", payload, "user-1"); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}

	pending, err := store.ListPendingActions()
	if err != nil {
		t.Fatalf("ListPendingActions() error = %v", err)
	}
	if len(pending) != 1 || string(pending[0].Payload) != string(payload) {
		t.Fatalf("pending = %+v, want plaintext payload back", pending)
	}

	conn.SetOnline(true)
	if !engine.TriggerSync(context.Background(), false) {
		t.Fatal("TriggerSync() = false, want true")
	}
	if got := tr.Record(model.EntityAttendance, "att-1"); string(got) != string(payload) {
		t.Errorf("server received %s, want plaintext payload", got)
	}

	entity, err := store.GetEntity(model.EntityAttendance, "att-1")
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if entity == nil || string(entity.Payload) != string(payload) {
		t.Errorf("cached entity = %+v, want plaintext payload", entity)
	}
}

func TestEngine_Status(t *testing.T) {
	conn := testutil.NewStubConnectivity(false)
	engine, _, _ := newTestEngine(t, conn, transport.NewMemoryTransport(), offline.Options{})

	st := engine.Status()
	if st.IsOnline || st.QueueSize != 0 || st.IsSyncing {
		t.Errorf("initial status = %+v, want offline idle empty", st)
	}

	queueOffline(t, engine, model.EntityAttendance, model.OpCreate, "a-1", nil)
	queueOffline(t, engine, model.EntityAttendance, model.OpCreate, "a-2", nil)

	st = engine.Status()
	if st.QueueSize != 2 {
		t.Errorf("Status().QueueSize = %d, want 2", st.QueueSize)
	}

	conn.SetOnline(true)
	if st = engine.Status(); !st.IsOnline {
		t.Error("Status().IsOnline = false after going online")
	}
}
