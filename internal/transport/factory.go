package transport

import (
	"fmt"

	"edusync/internal/config"
	"edusync/internal/offline"
)

// NewTransportFromConfig creates a Transport based on the server config type.
func NewTransportFromConfig(cfg config.ServerConfig) (offline.Transport, error) {
	switch cfg.Type {
	case "http", "":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("base_url required for http transport")
		}
		return NewHTTPTransport(cfg.BaseURL, cfg.Token, nil), nil
	case "memory":
		return NewMemoryTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}
}
