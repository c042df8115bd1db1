package obstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store with the same conditional-put semantics as
// S3. Etags are content hashes, so they are deterministic across runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	body     []byte
	etag     string
	modified time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func memETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	body, _, err := m.GetWithETag(ctx, key)
	return body, err
}

func (m *Memory) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	body := make([]byte, len(obj.body))
	copy(body, obj.body)
	return body, obj.etag, nil
}

func (m *Memory) Put(ctx context.Context, key string, body []byte, opts ...PutOption) (string, error) {
	var pc putConfig
	for _, opt := range opts {
		opt(&pc)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.objects[key]
	if pc.ifNoneMatch && exists {
		return "", fmt.Errorf("put %q: %w", key, ErrPreconditionFailed)
	}
	if pc.ifMatch != "" && (!exists || cur.etag != pc.ifMatch) {
		return "", fmt.Errorf("put %q: %w", key, ErrPreconditionFailed)
	}

	stored := make([]byte, len(body))
	copy(stored, body)
	obj := memObject{body: stored, etag: memETag(stored), modified: time.Now().UTC()}
	m.objects[key] = obj
	return obj.etag, nil
}

func (m *Memory) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("head %q: %w", key, ErrNotFound)
	}
	return &ObjectInfo{
		Key:          key,
		ETag:         obj.etag,
		Size:         int64(len(obj.body)),
		LastModified: obj.modified,
	}, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Copy(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[src]
	if !ok {
		return fmt.Errorf("copy %q: %w", src, ErrNotFound)
	}
	body := make([]byte, len(obj.body))
	copy(body, obj.body)
	m.objects[dst] = memObject{body: body, etag: obj.etag, modified: time.Now().UTC()}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Len reports the number of stored objects, for tests.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
