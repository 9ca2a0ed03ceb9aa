package cache

import (
	"context"
	"sync"
)

const backendMemory = "memory"

// MemoryStorage is an in-process Storage. It is safe for concurrent use and
// is the substitution fake for tests.
type MemoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
	order  []string
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		stores: make(map[string]*memoryStore),
	}
}

// Open returns the named store, creating it if missing.
func (m *MemoryStorage) Open(_ context.Context, name string) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stores[name]
	if !ok {
		s = &memoryStore{name: name, parent: m, entries: make(map[string]*Entry)}
		m.stores[name] = s
		m.order = append(m.order, name)
	}
	return s, nil
}

// Names lists stores in creation order.
func (m *MemoryStorage) Names(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.order...), nil
}

// Drop deletes a store.
func (m *MemoryStorage) Drop(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	s.clear()
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	StoresDropped.WithLabelValues(backendMemory).Inc()
	return true, nil
}

// reattach registers s again if it was dropped while a caller still held it.
func (m *MemoryStorage) reattach(s *memoryStore) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stores[s.name]; ok {
		return
	}
	m.stores[s.name] = s
	m.order = append(m.order, s.name)
}

type memoryStore struct {
	name   string
	parent *MemoryStorage

	mu      sync.RWMutex
	entries map[string]*Entry
	keys    []string
}

func (s *memoryStore) Name() string { return s.name }

func (s *memoryStore) Match(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		CacheMisses.WithLabelValues(backendMemory).Inc()
		return nil, ErrCacheMiss
	}
	CacheHits.WithLabelValues(backendMemory).Inc()
	return e.Clone(), nil
}

func (s *memoryStore) Put(_ context.Context, key string, entry *Entry) error {
	if entry == nil {
		return ErrInvalidEntry
	}

	s.parent.reattach(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.entries[key] = entry.Clone()
	CacheWrites.WithLabelValues(backendMemory).Inc()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.keys...), nil
}

func (s *memoryStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*Entry)
	s.keys = nil
}
