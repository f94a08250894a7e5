package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for edusync.
type Config struct {
	DeviceID    string            `toml:"device_id"`
	UserID      string            `toml:"user_id"`
	BaseDir     string            `toml:"base_dir"`
	LogDir      string            `toml:"log_dir"`
	Server      ServerConfig      `toml:"server"`
	Store       StoreConfig       `toml:"store"`
	Encryption  EncryptionConfig  `toml:"encryption"`
	Sync        SyncConfig        `toml:"sync"`
	Entitlement EntitlementConfig `toml:"entitlement"`
}

// ServerConfig points the engine at the school platform API.
// Tagged union: Type selects the transport backend.
type ServerConfig struct {
	Type    string `toml:"type"` // "http" (default) or "memory"
	BaseURL string `toml:"base_url"`
	// Token is the bearer token presented on every call.
	Token string `toml:"token,omitempty"`
	// ProbeTimeoutSeconds bounds the connectivity probe. Distinct from
	// the data-call timeout: the probe only confirms reachability.
	ProbeTimeoutSeconds int `toml:"probe_timeout_seconds"`
	CallTimeoutSeconds  int `toml:"call_timeout_seconds"`
}

// StoreConfig selects the local durable store backend.
// Tagged union: Type decides which other fields apply.
type StoreConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// EncryptionConfig holds paths to the age key pair protecting local data.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default), "test", or "none"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// SyncConfig tunes the drain loop.
type SyncConfig struct {
	MaxAttempts         int   `toml:"max_attempts"`
	RetryBaseSeconds    int   `toml:"retry_base_seconds"`
	RetryMaxSeconds     int   `toml:"retry_max_seconds"`
	CacheTTLMinutes     int   `toml:"cache_ttl_minutes"`
	ProbeBackoffBase    int   `toml:"probe_backoff_base_seconds"`
	ProbeBackoffMax     int   `toml:"probe_backoff_max_seconds"`
	ProbeMaxAttempts    int   `toml:"probe_max_attempts"`
	AutoSyncOnReconnect *bool `toml:"auto_sync_on_reconnect,omitempty"`
}

// AutoSync reports whether a confirmed reconnect should trigger a sync.
// Defaults to true.
func (c SyncConfig) AutoSync() bool {
	return c.AutoSyncOnReconnect == nil || *c.AutoSyncOnReconnect
}

// EntitlementConfig holds the offline-duration policy in days.
type EntitlementConfig struct {
	LightDays   int `toml:"light_days"`
	UrgentDays  int `toml:"urgent_days"`
	BlockedDays int `toml:"blocked_days"`
}

// NewConfig creates a Config with the provided identity and default paths.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		Server: ServerConfig{
			Type:                "http",
			ProbeTimeoutSeconds: 3,
			CallTimeoutSeconds:  30,
		},
		Store: StoreConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "edusync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "edusync.key"),
		},
		Sync: SyncConfig{
			MaxAttempts:      5,
			RetryBaseSeconds: 2,
			RetryMaxSeconds:  300,
			CacheTTLMinutes:  60 * 24,
			ProbeBackoffBase: 1,
			ProbeBackoffMax:  60,
			ProbeMaxAttempts: 8,
		},
		Entitlement: EntitlementConfig{
			LightDays:   3,
			UrgentDays:  7,
			BlockedDays: 14,
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes a new config file at path, refusing to overwrite one that
// already exists.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
