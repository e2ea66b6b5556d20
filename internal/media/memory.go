// internal/media/memory.go
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore is an in-memory ObjectStore for development and tests. Presigned
// URLs are synthetic; nothing actually serves them.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	return fmt.Sprintf("memory://upload/%s?expires=%d", key, int64(expires.Seconds())), nil
}

func (m *MemoryStore) PresignDownload(ctx context.Context, key, filename string, expires time.Duration) (string, error) {
	return fmt.Sprintf("memory://download/%s?filename=%s&expires=%d", key, filename, int64(expires.Seconds())), nil
}

func (m *MemoryStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, exists := m.objects[key]
	if !exists {
		return nil, ErrObjectNotFound
	}
	return &ObjectInfo{Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, exists := m.objects[key]
	if !exists {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read object body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}
