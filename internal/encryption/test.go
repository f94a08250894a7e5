package encryption

import (
	"bytes"
	"fmt"

	"edusync/internal/offline"
)

// testHeader is prepended by the test cipher so sealed output clearly
// differs from plaintext while staying deterministic and reversible.
var testHeader = []byte("ESENC\x00\x00\x00")

// TestEncryptor is a simple, deterministic encryptor for tests. Its
// Cipher prepends a fixed header on Seal and strips it on Open, with no
// real cryptography involved.
type TestEncryptor struct {
	setupCalled bool
}

var _ offline.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(string) error {
	e.setupCalled = true
	return nil
}

// IsConfigured is always true: the test cipher needs no key material.
func (e *TestEncryptor) IsConfigured() bool { return true }

func (e *TestEncryptor) Unlock(string) (offline.Cipher, error) {
	return testCipher{}, nil
}

type testCipher struct{}

func (testCipher) Seal(plain []byte) ([]byte, error) {
	return append(append([]byte{}, testHeader...), plain...), nil
}

func (testCipher) Open(sealed []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, testHeader) {
		return nil, fmt.Errorf("payload missing test header")
	}
	return sealed[len(testHeader):], nil
}
