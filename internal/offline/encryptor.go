package offline

// Encryptor manages the device key pair protecting local data at rest.
// Setup generates keys once; Unlock produces the session Cipher used by
// the store for payload encryption.
type Encryptor interface {
	// Setup performs one-time key generation. Generates a key pair, stores
	// the public key in plaintext, and encrypts the private key with the
	// provided passphrase.
	Setup(passphrase string) error

	// IsConfigured returns true if the key files exist at configured paths.
	IsConfigured() bool

	// Unlock decrypts the private key using the passphrase and returns a
	// Cipher valid for the session. Returns an error if the passphrase is
	// incorrect.
	Unlock(passphrase string) (Cipher, error)
}

// Cipher seals and opens payload bytes for at-rest storage.
type Cipher interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// PlainCipher is a pass-through Cipher for deployments without local
// encryption.
type PlainCipher struct{}

func (PlainCipher) Seal(plain []byte) ([]byte, error)  { return plain, nil }
func (PlainCipher) Open(sealed []byte) ([]byte, error) { return sealed, nil }
