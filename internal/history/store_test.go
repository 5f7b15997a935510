package history

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"devicelab/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(cap int) *Store {
	return NewStore(cap, slog.Default())
}

func entry(runID string) *domain.HistoryEntry {
	return &domain.HistoryEntry{
		RunID:     runID,
		TestID:    "led",
		Name:      "LED Blink",
		Status:    domain.RunStatusCompleted,
		Result:    domain.HistoryOutcomePass,
		Timestamp: time.Now(),
	}
}

func TestListNewestFirst(t *testing.T) {
	s := newStore(10)
	s.Append("dev", entry("a"))
	s.Append("dev", entry("b"))
	s.Append("dev", entry("c"))

	list := s.List("dev", 0)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].RunID)
	assert.Equal(t, "a", list[2].RunID)
}

func TestListLimit(t *testing.T) {
	s := newStore(10)
	for i := 0; i < 5; i++ {
		s.Append("dev", entry(fmt.Sprintf("r%d", i)))
	}

	assert.Len(t, s.List("dev", 2), 2)
	assert.Len(t, s.List("dev", 100), 5)
	assert.Empty(t, s.List("other", 10))
}

func TestCapEvictsOldest(t *testing.T) {
	s := newStore(3)
	for i := 0; i < 10; i++ {
		s.Append("dev", entry(fmt.Sprintf("r%d", i)))
	}

	list := s.List("dev", 0)
	require.Len(t, list, 3)
	assert.Equal(t, "r9", list[0].RunID)
	assert.Equal(t, "r7", list[2].RunID)
}

func TestCapIsPerDevice(t *testing.T) {
	s := newStore(2)
	s.Append("a", entry("a1"))
	s.Append("a", entry("a2"))
	s.Append("b", entry("b1"))

	assert.Len(t, s.List("a", 0), 2)
	assert.Len(t, s.List("b", 0), 1)
}

func TestGet(t *testing.T) {
	s := newStore(10)
	s.Append("dev", entry("a"))

	require.NotNil(t, s.Get("dev", "a"))
	assert.Nil(t, s.Get("dev", "missing"))
	assert.Nil(t, s.Get("other", "a"))
}

func TestRemove(t *testing.T) {
	s := newStore(10)
	s.Append("dev", entry("a"))
	s.Append("dev", entry("b"))

	assert.True(t, s.Remove("dev", "a"))
	assert.False(t, s.Remove("dev", "a"))
	assert.Len(t, s.List("dev", 0), 1)
}

func TestClear(t *testing.T) {
	s := newStore(10)
	s.Append("dev", entry("a"))
	s.Append("dev", entry("b"))

	s.Clear("dev")
	assert.Empty(t, s.List("dev", 0))
	// Clearing an empty device is a no-op.
	s.Clear("dev")
}
