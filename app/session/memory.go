package session

import "sync"

// Store defines raw session storage
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// Memory is an in-process Store, thread safe
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory makes empty Memory store
func NewMemory() *Memory {
	return &Memory{data: map[string]string{}}
}

// Get returns value for key
func (m *Memory) Get(key string) (value string, ok bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok = m.data[key]
	return value, ok, nil
}

// Set stores value for key
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Remove deletes key, no error if missing
func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys returns all stored keys
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]string, 0, len(m.data))
	for k := range m.data {
		res = append(res, k)
	}
	return res
}
