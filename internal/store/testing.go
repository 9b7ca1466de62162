package store

import (
	"testing"
)

// NewTestBackend creates an in-memory backend for testing. The backend is
// closed automatically when the test completes.
func NewTestBackend(t testing.TB) *DatabaseBackend {
	t.Helper()

	backend, err := NewInMemoryBackend()
	if err != nil {
		t.Fatalf("create test backend: %v", err)
	}

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return backend
}
