// Package timeline keeps the audit trail of every job: stage changes,
// agent reports and disconnects, in the order they happened.
package timeline

import (
	"sync"
	"time"
)

type Event struct {
	JobID     string            `json:"job_id"`
	Stage     string            `json:"stage"` // e.g. PreparingBackup, FailedRestore
	Timestamp time.Time         `json:"timestamp"`
	AgentID   string            `json:"agent_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store is an in-memory event log bounded to the most recent events.
type Store struct {
	events []Event
	limit  int
	mu     sync.RWMutex
}

// NewStore returns a Store keeping at most limit events; limit <= 0
// keeps everything.
func NewStore(limit int) *Store {
	return &Store{
		events: make([]Event, 0),
		limit:  limit,
	}
}

func (s *Store) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
	if s.limit > 0 && len(s.events) > s.limit {
		// Drop the oldest.
		s.events = append([]Event(nil), s.events[len(s.events)-s.limit:]...)
	}
}

// GetEvents returns the events of one job, oldest first.
func (s *Store) GetEvents(jobID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := []Event{}
	for _, e := range s.events {
		if e.JobID == jobID {
			results = append(results, e)
		}
	}
	return results
}

// GetEventsByAgent returns every event concerning one agent.
func (s *Store) GetEventsByAgent(agentID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Event
	for _, e := range s.events {
		if e.AgentID == agentID {
			results = append(results, e)
		}
	}
	return results
}

// GetAllEvents returns a copy of the whole log.
func (s *Store) GetAllEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]Event, len(s.events))
	copy(c, s.events)
	return c
}
