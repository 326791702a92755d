// Package opsstate tracks operational warnings, adapted from the teacher's
// internal/router/warning.Service: the same bounded in-memory ring keyed
// by category/severity/source, generalized from router-specific categories
// to corebus component names. No corebus decorator, processor or queue
// engine records warnings on its own; callers push them through Recorder,
// and Bus.GetHealth reports how many are unacknowledged.
package opsstate

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MaxWarnings bounds the in-memory ring, matching the teacher's
// MaxWarnings constant.
const MaxWarnings = 1000

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Warning is one recorded operational event.
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// Recorder is the collaborator warnings are pushed into; it has no
// dependency on the rest of corebus, so any component can accept one
// without an import cycle.
type Recorder interface {
	Record(category string, severity Severity, message, source string)
}

// Store is the full read/write surface opsstate exposes, consumed by
// internal/adminapi for the health/warnings endpoints.
type Store interface {
	Recorder
	All() []Warning
	BySeverity(severity Severity) []Warning
	Unacknowledged() []Warning
	Acknowledge(id string) bool
	Clear()
	ClearOlderThan(age time.Duration)
}

// InMemoryStore is a mutex-guarded map capped at MaxWarnings, evicting
// the oldest entry once full, exactly as the teacher's InMemoryService
// does.
type InMemoryStore struct {
	mu       sync.RWMutex
	warnings map[string]Warning
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{warnings: make(map[string]Warning)}
}

func (s *InMemoryStore) Record(category string, severity Severity, message, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.warnings) >= MaxWarnings {
		var oldestID string
		var oldestTime time.Time
		for id, w := range s.warnings {
			if oldestID == "" || w.Timestamp.Before(oldestTime) {
				oldestID = id
				oldestTime = w.Timestamp
			}
		}
		if oldestID != "" {
			delete(s.warnings, oldestID)
		}
	}

	id := uuid.NewString()
	s.warnings[id] = Warning{
		ID:        id,
		Category:  category,
		Severity:  severity,
		Message:   message,
		Source:    source,
		Timestamp: time.Now(),
	}
	log.Warn().Str("category", category).Str("severity", string(severity)).Str("source", source).Msg(message)
}

func (s *InMemoryStore) All() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedNewestFirst(s.warnings, func(Warning) bool { return true })
}

func (s *InMemoryStore) BySeverity(severity Severity) []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedNewestFirst(s.warnings, func(w Warning) bool {
		return strings.EqualFold(string(w.Severity), string(severity))
	})
}

func (s *InMemoryStore) Unacknowledged() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedNewestFirst(s.warnings, func(w Warning) bool { return !w.Acknowledged })
}

func sortedNewestFirst(all map[string]Warning, keep func(Warning) bool) []Warning {
	result := make([]Warning, 0, len(all))
	for _, w := range all {
		if keep(w) {
			result = append(result, w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	return result
}

func (s *InMemoryStore) Acknowledge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.warnings[id]
	if !ok {
		return false
	}
	w.Acknowledged = true
	s.warnings[id] = w
	return true
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = make(map[string]Warning)
}

func (s *InMemoryStore) ClearOlderThan(age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	threshold := time.Now().Add(-age)
	for id, w := range s.warnings {
		if w.Timestamp.Before(threshold) {
			delete(s.warnings, id)
		}
	}
}
