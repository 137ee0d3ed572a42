// Package state persists endpoint analysis records.
package state

import (
	"fmt"
	"sync"
)

// Manager holds the record store in memory and writes it back after every change.
type Manager struct {
	mu      sync.RWMutex
	store   Store
	records Records
	loaded  bool
}

// NewManager creates a new state manager.
func NewManager(store Store) *Manager {
	return &Manager{
		store:   store,
		records: make(Records),
	}
}

// Load reads all records from the store.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store == nil {
		m.loaded = true
		return nil
	}
	records, err := m.store.Load()
	if err != nil {
		return err
	}
	m.records = records
	m.loaded = true
	return nil
}

// Loaded reports whether Load has completed.
func (m *Manager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// Get returns the record for endpoint.
func (m *Manager) Get(endpoint string) (*EndpointAnalysis, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[endpoint]
	return rec, ok
}

// ShouldSkip reports whether endpoint already has a terminal status.
func (m *Manager) ShouldSkip(endpoint string) (Status, bool) {
	rec, ok := m.Get(endpoint)
	if !ok {
		return "", false
	}
	return rec.Status, rec.Status.IsTerminal()
}

// Put replaces the record for its endpoint and saves the whole store.
func (m *Manager) Put(rec *EndpointAnalysis) error {
	if rec == nil || rec.Endpoint == "" {
		return fmt.Errorf("record has no endpoint")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.Endpoint] = rec
	if m.store == nil {
		return nil
	}
	return m.store.Save(m.records)
}

// Records returns a shallow copy of all records.
func (m *Manager) Records() Records {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(Records, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// Counts returns the number of records per status.
func (m *Manager) Counts() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int)
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
