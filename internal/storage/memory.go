package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memObject struct {
	data []byte
	gen  int64
}

// MemoryBackend keeps blobs in a map. It tracks generations like object
// storage does, which makes it suitable for tests of the read-race paths.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[string]memObject
	nextGen int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]memObject)}
}

func (m *MemoryBackend) Name() string { return "memory" }
func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) Read(ctx context.Context, key string, generation int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok || (generation != 0 && o.gen != generation) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), o.data...), nil
}

func (m *MemoryBackend) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGen++
	m.objects[key] = memObject{data: append([]byte(nil), data...), gen: m.nextGen}
	return nil
}

func (m *MemoryBackend) Create(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return ErrExists
	}
	m.nextGen++
	m.objects[key] = memObject{data: append([]byte(nil), data...), gen: m.nextGen}
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Object
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Generation: o.gen})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
