package cache

import "sync"

// MemoryKV is a non durable IKeyValue, for tests and throwaway sessions.
type MemoryKV struct {
	mu sync.RWMutex
	kv map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{kv: make(map[string]string)}
}

func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	m.kv[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Close() error { return nil }
