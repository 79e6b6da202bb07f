package evidence

import (
	"context"
	"sync"

	"github.com/warp/dues-engine/generic"
)

// Memory is an in-memory Store for tests and demos.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (m *Memory) Put(_ context.Context, key string, u Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := make([]byte, len(u.Data))
	copy(data, u.Data)
	ct := u.ContentType
	if ct == "" {
		ct = ContentTypeFor(key)
	}
	m.objects[key] = Object{Key: key, ContentType: ct, Data: data}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return Object{}, &generic.NotFoundError{Entity: "evidence", ID: key}
	}
	return obj, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Keys lists stored keys.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
