package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Store is a JSON key/value cache with per-key expiry.
type Store interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Noop struct{}

func (Noop) GetJSON(_ context.Context, _ string, _ any) (bool, error) {
	return false, nil
}

func (Noop) SetJSON(_ context.Context, _ string, _ any, _ time.Duration) error {
	return nil
}

func (Noop) Delete(_ context.Context, _ string) error {
	return nil
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// Memory is an in-process Store used when redis is not configured.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if ok && !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.payload, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) SetJSON(_ context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	entry := memoryEntry{payload: payload}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
