package store

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// MemoryStore holds job snapshots and agent records in process memory.
// It implements the Store interface.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*JobRecord
	agents map[string]*AgentRecord
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*JobRecord),
		agents: make(map[string]*AgentRecord),
	}
}

// --- Job Operations ---

func (s *MemoryStore) SaveJob(ctx context.Context, rec *JobRecord) error {
	if rec.JobID == "" {
		return errors.NotValidf("job record without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[rec.JobID] = copyJob(rec)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, errors.NotFoundf("job %q", jobID)
	}
	return copyJob(rec), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, backupManagerID string, limit int) ([]*JobRecord, error) {
	s.mu.RLock()
	result := make([]*JobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		if backupManagerID == "" || rec.BackupManagerID == backupManagerID {
			result = append(result, copyJob(rec))
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return errors.NotFoundf("job %q", jobID)
	}
	delete(s.jobs, jobID)
	return nil
}

// --- Agent Operations ---

func (s *MemoryStore) UpsertAgent(ctx context.Context, rec *AgentRecord) error {
	if rec.AgentID == "" {
		return errors.NotValidf("agent record without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	if existing, ok := s.agents[rec.AgentID]; ok && c.RegisteredAt.IsZero() {
		c.RegisteredAt = existing.RegisteredAt
	}
	s.agents[rec.AgentID] = &c
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return nil, errors.NotFoundf("agent %q", agentID)
	}
	c := *rec
	return &c, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, scope string) ([]*AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		if scope == "" || rec.Scope == scope {
			c := *rec
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result, nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return errors.NotFoundf("agent %q", agentID)
	}
	delete(s.agents, agentID)
	return nil
}

func sortNewestFirst(recs []*JobRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].JobID > recs[j].JobID
		}
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
}
