package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryStore struct {
	mu        sync.RWMutex
	sublevels map[string]map[string][]byte
}

// NewMemoryStore returns an in-memory Store with the same semantics as
// the SQLite implementation. Used by tests and by the repository mocks.
func NewMemoryStore() Store {
	return &memoryStore{sublevels: make(map[string]map[string][]byte)}
}

func (m *memoryStore) Get(_ context.Context, sublevel, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.sublevels[sublevel][key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (m *memoryStore) Put(_ context.Context, sublevel, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(sublevel, key, value)
	return nil
}

func (m *memoryStore) put(sublevel, key string, value []byte) {
	sl, ok := m.sublevels[sublevel]
	if !ok {
		sl = make(map[string][]byte)
		m.sublevels[sublevel] = sl
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	sl[key] = cp
}

func (m *memoryStore) Delete(_ context.Context, sublevel, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sublevels[sublevel], key)
	return nil
}

func (m *memoryStore) Range(_ context.Context, sublevel, prefix string) ([]KeyValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []KeyValue
	for key, value := range m.sublevels[sublevel] {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		cp := make([]byte, len(value))
		copy(cp, value)
		result = append(result, KeyValue{Key: key, Value: cp})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

type memoryBatch struct {
	store *memoryStore
	ops   []batchOp
}

func (m *memoryStore) NewBatch() Batch {
	return &memoryBatch{store: m}
}

func (b *memoryBatch) Put(sublevel, key string, value []byte) {
	b.ops = append(b.ops, batchOp{sublevel: sublevel, key: key, value: value})
}

func (b *memoryBatch) Delete(sublevel, key string) {
	b.ops = append(b.ops, batchOp{sublevel: sublevel, key: key, delete: true})
}

func (b *memoryBatch) Write(context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(b.store.sublevels[op.sublevel], op.key)
		} else {
			b.store.put(op.sublevel, op.key, op.value)
		}
	}
	return nil
}

func (m *memoryStore) Close() error { return nil }
