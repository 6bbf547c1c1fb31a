package plugin

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an EnablementStore that keeps everything in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	enabled map[string]map[string]bool // profile -> plugin -> autorun
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{enabled: make(map[string]map[string]bool)}
}

func (s *MemoryStore) Enabled(_ context.Context, profileID string) ([]Enablement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Enablement, 0, len(s.enabled[profileID]))
	for name, autoRun := range s.enabled[profileID] {
		out = append(out, Enablement{Plugin: name, AutoRun: autoRun})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin < out[j].Plugin })
	return out, nil
}

func (s *MemoryStore) SetEnabled(_ context.Context, profileID string, e Enablement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled[profileID] == nil {
		s.enabled[profileID] = make(map[string]bool)
	}
	s.enabled[profileID][e.Plugin] = e.AutoRun
	return nil
}

func (s *MemoryStore) SetDisabled(_ context.Context, profileID, pluginName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.enabled[profileID], pluginName)
	return nil
}
