package store

import (
	"context"
	"sync"
)

// Memory is a simple in-memory directory used when no DATABASE_URL is set.
// With an empty allowlist every non-empty device id exists.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]struct{}
}

func NewMemory(known ...string) *Memory {
	m := &Memory{devices: map[string]struct{}{}}
	for _, d := range known {
		m.Add(d)
	}
	return m
}

// Add puts deviceID on the allowlist.
func (m *Memory) Add(deviceID string) {
	if deviceID == "" {
		return
	}
	m.mu.Lock()
	m.devices[deviceID] = struct{}{}
	m.mu.Unlock()
}

func (m *Memory) DeviceExists(_ context.Context, deviceID string) (bool, error) {
	if deviceID == "" {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.devices) == 0 {
		return true, nil
	}
	_, ok := m.devices[deviceID]
	return ok, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
