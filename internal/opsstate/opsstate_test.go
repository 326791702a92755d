package opsstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_RecordAndAcknowledge(t *testing.T) {
	s := NewInMemoryStore()
	s.Record("outbox", SeverityWarning, "retry exhausted", "outbox-processor")

	all := s.All()
	require.Len(t, all, 1)
	assert.False(t, all[0].Acknowledged)

	assert.True(t, s.Acknowledge(all[0].ID))
	assert.Empty(t, s.Unacknowledged())
}

func TestInMemoryStore_BySeverityFilters(t *testing.T) {
	s := NewInMemoryStore()
	s.Record("inbox", SeverityCritical, "dead lettered", "inbox-processor")
	s.Record("inbox", SeverityInfo, "started", "inbox-processor")

	critical := s.BySeverity(SeverityCritical)
	require.Len(t, critical, 1)
	assert.Equal(t, "dead lettered", critical[0].Message)
}

func TestInMemoryStore_ClearOlderThan(t *testing.T) {
	s := NewInMemoryStore()
	s.Record("queue", SeverityWarning, "stale", "queue-engine")

	s.ClearOlderThan(-time.Second)
	assert.Empty(t, s.All())
}

func TestInMemoryStore_EvictsOldestWhenFull(t *testing.T) {
	s := NewInMemoryStore()
	for i := 0; i < MaxWarnings; i++ {
		s.Record("x", SeverityInfo, "filler", "test")
	}
	require.Len(t, s.All(), MaxWarnings)

	s.Record("x", SeverityInfo, "overflow", "test")
	assert.Len(t, s.All(), MaxWarnings, "store must stay capped at MaxWarnings")
}
