// Package storage moves batch job payloads in and out of object storage.
package storage

import (
	"context"
	"sync"

	"taskrunner/internal/apperrors"
)

// ObjectStore uploads, deletes and links payloads under keys in a bucket.
// No retries happen here; retry is the caller's policy.
type ObjectStore interface {
	// Upload writes data under key, replacing any existing object.
	Upload(ctx context.Context, key string, data []byte) error
	// Delete removes the object under key. A missing object is success.
	Delete(ctx context.Context, key string) error
	// URLFor returns a time-limited read URL for the object under key.
	URLFor(ctx context.Context, key string) (string, error)
}

// Memory is an in-process ObjectStore for tests and local development.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Upload(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = buf
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) URLFor(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", apperrors.Storage("storage.urlFor", apperrors.NotFound("object", key))
	}
	return "memory://" + key, nil
}

// Get returns a stored object, for test assertions.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

var _ ObjectStore = (*Memory)(nil)
