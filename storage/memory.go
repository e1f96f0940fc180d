package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process BlobStore. It backs tests and STORE_BACKEND=memory.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]Object),
		now:     time.Now,
	}
}

// SetClock replaces the modification-time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Get(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return &obj, nil
}

func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(key, data)
	return nil
}

func (m *Memory) CreateIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return false, nil
	}
	m.storeLocked(key, data)
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string, ifVersion string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return false, nil
	}
	if ifVersion != "" && obj.Version != ifVersion {
		return false, nil
	}
	delete(m.objects, key)
	return true, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Version: obj.Version, ModifiedAt: obj.ModifiedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) storeLocked(key string, data []byte) {
	m.objects[key] = Object{
		Key:        key,
		Data:       append([]byte(nil), data...),
		Version:    ContentVersion(data),
		ModifiedAt: m.now().UTC(),
	}
}
