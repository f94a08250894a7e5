package testutil

import (
	"testing"

	"edusync/internal/database"
	"edusync/internal/offline"
)

// NewTestStore creates an in-memory store with a fixed clock and
// sequential IDs, closed automatically when the test finishes.
func NewTestStore(t *testing.T) (*database.SQLiteStore, *StubClock) {
	t.Helper()

	clock := FixedClock()
	store, err := database.NewSQLiteStore(":memory:", clock, NewStubIDGenerator(), nil)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, clock
}

// NewTestStoreWithCipher is NewTestStore with at-rest payload encryption.
func NewTestStoreWithCipher(t *testing.T, cipher offline.Cipher) (*database.SQLiteStore, *StubClock) {
	t.Helper()

	clock := FixedClock()
	store, err := database.NewSQLiteStore(":memory:", clock, NewStubIDGenerator(), cipher)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, clock
}
