package database

import (
	"fmt"
	"os"
	"path/filepath"

	"edusync/internal/config"
	"edusync/internal/offline"
)

// NewStoreFromConfig creates a Store implementation based on the store
// config type. The sqlite backend keeps one database file per device.
func NewStoreFromConfig(cfg config.StoreConfig, deviceID string, clock offline.Clock, idgen offline.IDGenerator, cipher offline.Cipher) (offline.Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite store")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		path := filepath.Join(cfg.DataDir, deviceID+".db")
		return NewSQLiteStore(path, clock, idgen, cipher)
	case "memory":
		return NewSQLiteStore(":memory:", clock, idgen, cipher)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
