// Package history keeps bounded, per-device, newest-first records of
// finished test runs. State is in-memory and per-process.
package history

import (
	"log/slog"
	"sync"

	"devicelab/internal/domain"
)

const DefaultCap = 100

// Store implements domain.HistoryRepository.
type Store struct {
	mu      sync.RWMutex
	cap     int
	entries map[string][]*domain.HistoryEntry // deviceID -> newest first
	logger  *slog.Logger
}

// NewStore creates a store retaining up to cap entries per device.
// cap <= 0 selects DefaultCap.
func NewStore(cap int, logger *slog.Logger) *Store {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Store{
		cap:     cap,
		entries: make(map[string][]*domain.HistoryEntry),
		logger:  logger.With("component", "history-store"),
	}
}

// Append prepends entry for the device and evicts the oldest entries beyond
// the cap.
func (s *Store) Append(deviceID string, entry *domain.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append([]*domain.HistoryEntry{entry}, s.entries[deviceID]...)
	if len(list) > s.cap {
		list = list[:s.cap]
	}
	s.entries[deviceID] = list
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) List(deviceID string, limit int) []*domain.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.entries[deviceID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*domain.HistoryEntry, limit)
	copy(out, list[:limit])
	return out
}

// Get returns the entry for runID, or nil.
func (s *Store) Get(deviceID, runID string) *domain.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries[deviceID] {
		if e.RunID == runID {
			return e
		}
	}
	return nil
}

// Remove deletes a single entry by run ID and reports whether it was found.
func (s *Store) Remove(deviceID, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[deviceID]
	for i, e := range list {
		if e.RunID == runID {
			s.entries[deviceID] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the device's history.
func (s *Store) Clear(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries[deviceID])
	delete(s.entries, deviceID)
	if n > 0 {
		s.logger.Info("cleared test history", "device_id", deviceID, "removed", n)
	}
}
