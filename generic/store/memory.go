// Package store provides in-memory HistoryStore and AuditLog implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/device-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	histories map[generic.HistoryKey]generic.History
}

func NewMemory() *Memory {
	return &Memory{histories: make(map[generic.HistoryKey]generic.History)}
}

// Load returns a deep copy so callers can mutate freely.
func (m *Memory) Load(_ context.Context, key generic.HistoryKey) (generic.History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.histories[key]
	if !ok {
		return generic.History{}, generic.ErrNotFound
	}
	return h.Clone(), nil
}

// Save stores h if the stored version equals h.Version.
func (m *Memory) Save(_ context.Context, h generic.History) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.histories[h.Key]
	switch {
	case !ok && h.Version != 0:
		return 0, generic.ErrConcurrentModification
	case ok && current.Version != h.Version:
		return 0, generic.ErrConcurrentModification
	}

	stored := h.Clone()
	stored.Version = h.Version + 1
	m.histories[h.Key] = stored
	return stored.Version, nil
}

func (m *Memory) Keys(_ context.Context) ([]generic.HistoryKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]generic.HistoryKey, 0, len(m.histories))
	for k := range m.histories {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys, nil
}

// Reset drops every history.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories = make(map[generic.HistoryKey]generic.History)
	return nil
}

// SortKeys orders keys by participant, then column.
func SortKeys(keys []generic.HistoryKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Participant != keys[j].Participant {
			return keys[i].Participant < keys[j].Participant
		}
		return keys[i].Column < keys[j].Column
	})
}

// =============================================================================
// MEMORY AUDIT LOG
// =============================================================================

type MemoryAudit struct {
	mu      sync.RWMutex
	entries []generic.AuditEntry
}

func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

func (a *MemoryAudit) Append(_ context.Context, entry generic.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *MemoryAudit) Reset(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
	return nil
}

// Query returns matching entries, oldest first.
func (a *MemoryAudit) Query(_ context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []generic.AuditEntry
	for _, e := range a.entries {
		if !filter.Matches(e) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}
