package encryption

import (
	"fmt"

	"edusync/internal/config"
	"edusync/internal/offline"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (offline.Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	case "none":
		return NoneEncryptor{}, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}

// NoneEncryptor disables at-rest encryption: payloads are stored as-is.
type NoneEncryptor struct{}

var _ offline.Encryptor = NoneEncryptor{}

func (NoneEncryptor) Setup(string) error { return nil }

func (NoneEncryptor) IsConfigured() bool { return true }

func (NoneEncryptor) Unlock(string) (offline.Cipher, error) {
	return offline.PlainCipher{}, nil
}
