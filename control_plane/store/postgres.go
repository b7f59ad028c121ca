package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS backup_jobs (
	job_id            TEXT PRIMARY KEY,
	action            TEXT NOT NULL,
	backup_manager_id TEXT NOT NULL,
	backup_name       TEXT NOT NULL DEFAULT '',
	backup_type       TEXT NOT NULL DEFAULT '',
	stage             TEXT NOT NULL,
	progress          DOUBLE PRECISION NOT NULL DEFAULT 0,
	result            TEXT NOT NULL DEFAULT '',
	additional_info   TEXT NOT NULL DEFAULT '',
	agents            TEXT[] NOT NULL DEFAULT '{}',
	agent_status      JSONB NOT NULL DEFAULT '{}',
	started_at        TIMESTAMPTZ NOT NULL,
	completed_at      TIMESTAMPTZ,
	finished          BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS backup_jobs_manager_started
	ON backup_jobs (backup_manager_id, started_at DESC);
CREATE TABLE IF NOT EXISTS backup_agents (
	agent_id       TEXT PRIMARY KEY,
	scope          TEXT NOT NULL,
	api_version    TEXT NOT NULL,
	product_name   TEXT NOT NULL DEFAULT '',
	product_number TEXT NOT NULL DEFAULT '',
	revision       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	registered_at  TIMESTAMPTZ NOT NULL,
	last_seen      TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and makes sure the tables exist.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Annotate(err, "parsing postgres dsn")
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Annotate(err, "connecting to postgres")
	}

	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// EnsureSchema creates the tables used by the store if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return errors.Annotate(err, "creating schema")
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Job Operations ---

const jobColumns = `job_id, action, backup_manager_id, backup_name, backup_type, stage, progress,
	result, additional_info, agents, agent_status, started_at, completed_at, finished`

func (s *PostgresStore) SaveJob(ctx context.Context, rec *JobRecord) error {
	defer observe("postgres", "save_job")()
	if rec.JobID == "" {
		return errors.NotValidf("job record without id")
	}
	agents := rec.Agents
	if agents == nil {
		agents = []string{}
	}
	status := rec.AgentStatus
	if status == nil {
		status = map[string]string{}
	}
	query := `
		INSERT INTO backup_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (job_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			progress = EXCLUDED.progress,
			result = EXCLUDED.result,
			additional_info = EXCLUDED.additional_info,
			agents = EXCLUDED.agents,
			agent_status = EXCLUDED.agent_status,
			completed_at = EXCLUDED.completed_at,
			finished = EXCLUDED.finished
	`
	_, err := s.pool.Exec(ctx, query,
		rec.JobID, rec.Action, rec.BackupManagerID, rec.BackupName, rec.BackupType, rec.Stage, rec.Progress,
		rec.Result, rec.AdditionalInfo, agents, status, rec.StartedAt, rec.CompletedAt, rec.Finished,
	)
	return errors.Annotatef(err, "saving job %q", rec.JobID)
}

func scanJob(row pgx.Row) (*JobRecord, error) {
	var rec JobRecord
	err := row.Scan(
		&rec.JobID, &rec.Action, &rec.BackupManagerID, &rec.BackupName, &rec.BackupType, &rec.Stage, &rec.Progress,
		&rec.Result, &rec.AdditionalInfo, &rec.Agents, &rec.AgentStatus, &rec.StartedAt, &rec.CompletedAt, &rec.Finished,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	defer observe("postgres", "get_job")()
	query := `SELECT ` + jobColumns + ` FROM backup_jobs WHERE job_id = $1`
	rec, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFoundf("job %q", jobID)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return rec, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, backupManagerID string, limit int) ([]*JobRecord, error) {
	defer observe("postgres", "list_jobs")()
	query := `
		SELECT ` + jobColumns + ` FROM backup_jobs
		WHERE ($1 = '' OR backup_manager_id = $1)
		ORDER BY started_at DESC, job_id DESC
	`
	args := []any{backupManagerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	jobs := []*JobRecord{}
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		jobs = append(jobs, rec)
	}
	return jobs, errors.Trace(rows.Err())
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) error {
	defer observe("postgres", "delete_job")()
	tag, err := s.pool.Exec(ctx, `DELETE FROM backup_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return errors.Trace(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundf("job %q", jobID)
	}
	return nil
}

// --- Agent Operations ---

const agentColumns = `agent_id, scope, api_version, product_name, product_number, revision, status, registered_at, last_seen`

func (s *PostgresStore) UpsertAgent(ctx context.Context, rec *AgentRecord) error {
	defer observe("postgres", "upsert_agent")()
	if rec.AgentID == "" {
		return errors.NotValidf("agent record without id")
	}
	registeredAt := rec.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = rec.LastSeen
	}
	// A zero RegisteredAt keeps the stored registration time.
	query := `
		INSERT INTO backup_agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (agent_id) DO UPDATE SET
			scope = EXCLUDED.scope,
			api_version = EXCLUDED.api_version,
			product_name = EXCLUDED.product_name,
			product_number = EXCLUDED.product_number,
			revision = EXCLUDED.revision,
			status = EXCLUDED.status,
			registered_at = CASE WHEN $10 THEN backup_agents.registered_at ELSE EXCLUDED.registered_at END,
			last_seen = EXCLUDED.last_seen
	`
	_, err := s.pool.Exec(ctx, query,
		rec.AgentID, rec.Scope, rec.APIVersion, rec.ProductName, rec.ProductNumber, rec.Revision,
		rec.Status, registeredAt, rec.LastSeen, rec.RegisteredAt.IsZero(),
	)
	return errors.Annotatef(err, "saving agent %q", rec.AgentID)
}

func scanAgent(row pgx.Row) (*AgentRecord, error) {
	var a AgentRecord
	err := row.Scan(
		&a.AgentID, &a.Scope, &a.APIVersion, &a.ProductName, &a.ProductNumber, &a.Revision,
		&a.Status, &a.RegisteredAt, &a.LastSeen,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	query := `SELECT ` + agentColumns + ` FROM backup_agents WHERE agent_id = $1`
	a, err := scanAgent(s.pool.QueryRow(ctx, query, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFoundf("agent %q", agentID)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, scope string) ([]*AgentRecord, error) {
	defer observe("postgres", "list_agents")()
	query := `
		SELECT ` + agentColumns + ` FROM backup_agents
		WHERE ($1 = '' OR scope = $1)
		ORDER BY agent_id
	`
	rows, err := s.pool.Query(ctx, query, scope)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	agents := []*AgentRecord{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		agents = append(agents, a)
	}
	return agents, errors.Trace(rows.Err())
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, agentID string) error {
	defer observe("postgres", "delete_agent")()
	tag, err := s.pool.Exec(ctx, `DELETE FROM backup_agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return errors.Trace(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundf("agent %q", agentID)
	}
	return nil
}
