package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"edusync/internal/config"
	"edusync/internal/database"
	"edusync/internal/encryption"
	"edusync/internal/model"
	"edusync/internal/netmon"
	"edusync/internal/offline"
	"edusync/internal/transport"
)

// App is the application layer between the CLI and the sync engine.
// It constructs all dependencies from config and exposes the operations
// surrounding modules are permitted to use; nothing outside this package
// touches the local store directly.
type App struct {
	cfg     *config.Config
	store   offline.Store
	monitor *netmon.Monitor
	engine  *offline.Engine
	logFile *os.File
	logger  offline.Logger
}

// Entitled is the premium/subscription collaborator deciding whether a
// user may work offline at all. The CLI wires an allow-all default; the
// hosted platform wires its subscription service.
type Entitled = offline.EntitlementChecker

// NewApp creates a fully wired App from the given config. passphrase
// unlocks the local encryption key when the age backend is configured.
// The caller must call Close when done.
func NewApp(cfg *config.Config, entitled Entitled, passphrase string) (*App, error) {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if !enc.IsConfigured() {
		return nil, fmt.Errorf("encryption keys not set up: run `edusync keys init` first")
	}
	cipher, err := enc.Unlock(passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlocking local encryption key: %w", err)
	}

	store, err := database.NewStoreFromConfig(cfg.Store, cfg.DeviceID, nil, nil, cipher)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	tr, err := transport.NewTransportFromConfig(cfg.Server)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	logger, logFile, err := newLogger(cfg.LogDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	monitor := netmon.NewMonitor(tr, logger, netmon.Options{
		ProbeTimeout: secondsOr(cfg.Server.ProbeTimeoutSeconds, 3),
		Retry: offline.Backoff{
			Base: secondsOr(cfg.Sync.ProbeBackoffBase, 1),
			Max:  secondsOr(cfg.Sync.ProbeBackoffMax, 60),
		},
		MaxAttempts: cfg.Sync.ProbeMaxAttempts,
	})

	gate := offline.NewGate(offline.Thresholds{
		Light:   cfg.Entitlement.LightDays,
		Urgent:  cfg.Entitlement.UrgentDays,
		Blocked: cfg.Entitlement.BlockedDays,
	}, entitled, nil)

	engine := offline.NewEngine(store, tr, monitor, gate, logger, nil, offline.Options{
		MaxAttempts: cfg.Sync.MaxAttempts,
		CallTimeout: secondsOr(cfg.Server.CallTimeoutSeconds, 30),
		Retry: offline.Backoff{
			Base: secondsOr(cfg.Sync.RetryBaseSeconds, 2),
			Max:  secondsOr(cfg.Sync.RetryMaxSeconds, 300),
		},
		CacheTTL: time.Duration(cfg.Sync.CacheTTLMinutes) * time.Minute,
		OnConflict: func(c model.Conflict) {
			logger.Warn("sync conflict recorded", "action", c.Action.ID, "reason", c.Reason)
		},
	})

	a := &App{
		cfg:     cfg,
		store:   store,
		monitor: monitor,
		engine:  engine,
		logFile: logFile,
		logger:  logger,
	}

	if cfg.Sync.AutoSync() {
		engine.Start(context.Background())
	}
	monitor.HandleOnline(context.Background())

	return a, nil
}

func secondsOr(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// QueueAction enqueues a local mutation for delivery to the server.
func (a *App) QueueAction(entityType model.EntityType, op model.Operation, entityID string, payload []byte) (string, error) {
	return a.engine.QueueAction(entityType, op, entityID, payload, a.cfg.UserID)
}

// TriggerSync drains the pending queue now. force bypasses per-action
// retry backoff (the manual "sync now" affordance).
func (a *App) TriggerSync(ctx context.Context, force bool) bool {
	return a.engine.TriggerSync(ctx, force)
}

// GetOfflineState returns the current sync status for UI indicators.
func (a *App) GetOfflineState() model.SyncStatus {
	return a.engine.Status()
}

// GetCachedData returns the collection snapshot cached under entityType,
// or nil if absent or expired.
func (a *App) GetCachedData(entityType model.EntityType) (*model.CachedEntity, error) {
	return a.store.GetCachedData(entityType)
}

// CacheData stores a collection snapshot fetched from the server.
func (a *App) CacheData(entityType model.EntityType, payload []byte, ttl time.Duration) error {
	return a.store.CacheData(entityType, payload, ttl)
}

// PendingActions lists the queue contents, oldest first.
func (a *App) PendingActions() ([]*model.QueuedAction, error) {
	return a.store.ListPendingActions()
}

// Conflicts lists actions needing manual resolution.
func (a *App) Conflicts() ([]*model.Conflict, error) {
	return a.store.Conflicts()
}

// DiscardConflict drops a resolved conflict from the store.
func (a *App) DiscardConflict(actionID string) error {
	return a.store.DiscardConflict(actionID)
}

// EntitlementState reports the offline-permission snapshot for the
// configured user.
func (a *App) EntitlementState() (model.OfflineEntitlementState, error) {
	return a.engine.EntitlementState(a.cfg.UserID)
}

// Close releases the engine, monitor, store and log file.
func (a *App) Close() error {
	a.engine.Close()
	a.monitor.Close()

	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}
	return firstErr
}
