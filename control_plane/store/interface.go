package store

import (
	"context"
)

// Store persists action snapshots and the agent directory.
// It abstracts over Postgres (durable), Redis (shared/fast) and memory.
// Lookups of unknown ids return an error satisfying errors.NotFound.
type Store interface {
	// Job Operations
	SaveJob(ctx context.Context, rec *JobRecord) error
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)
	// ListJobs returns the newest jobs first. An empty backupManagerID
	// lists every backup manager; limit <= 0 means no limit.
	ListJobs(ctx context.Context, backupManagerID string, limit int) ([]*JobRecord, error)
	DeleteJob(ctx context.Context, jobID string) error

	// Agent Operations
	UpsertAgent(ctx context.Context, rec *AgentRecord) error
	GetAgent(ctx context.Context, agentID string) (*AgentRecord, error)
	// ListAgents returns agents of one scope, or all when scope is empty.
	ListAgents(ctx context.Context, scope string) ([]*AgentRecord, error)
	DeleteAgent(ctx context.Context, agentID string) error
}
