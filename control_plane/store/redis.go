package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/BackForge/control_plane/observability"
)

// RedisStore implements the Store interface using Redis. Records are
// stored as JSON strings; sorted sets keep jobs ordered by start time.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Annotatef(err, "connecting to redis at %s", addr)
	}
	return &RedisStore{client: client}, nil
}

// Client exposes the underlying connection so other components (the
// notification publisher) can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func observe(backend, op string) func() {
	start := time.Now()
	return func() {
		observability.StoreLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}
}

// --- Job Operations ---

func (s *RedisStore) SaveJob(ctx context.Context, rec *JobRecord) error {
	defer observe("redis", "save_job")()
	if rec.JobID == "" {
		return errors.NotValidf("job record without id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Trace(err)
	}
	score := float64(rec.StartedAt.UnixNano())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, Key(ResourceJob, rec.JobID), data, 0)
		pipe.ZAdd(ctx, IndexKey(ResourceJob), redis.Z{Score: score, Member: rec.JobID})
		pipe.ZAdd(ctx, ManagerJobsKey(rec.BackupManagerID), redis.Z{Score: score, Member: rec.JobID})
		return nil
	})
	return errors.Annotatef(err, "saving job %q", rec.JobID)
}

func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	defer observe("redis", "get_job")()
	data, err := s.client.Get(ctx, Key(ResourceJob, jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.NotFoundf("job %q", jobID)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Annotatef(err, "decoding job %q", jobID)
	}
	return &rec, nil
}

func (s *RedisStore) ListJobs(ctx context.Context, backupManagerID string, limit int) ([]*JobRecord, error) {
	defer observe("redis", "list_jobs")()
	index := IndexKey(ResourceJob)
	if backupManagerID != "" {
		index = ManagerJobsKey(backupManagerID)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(ids) == 0 {
		return []*JobRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = Key(ResourceJob, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Trace(err)
	}

	result := make([]*JobRecord, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Index entry outlived its record.
			continue
		}
		var rec JobRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, errors.Annotatef(err, "decoding job %q", ids[i])
		}
		result = append(result, &rec)
	}
	return result, nil
}

func (s *RedisStore) DeleteJob(ctx context.Context, jobID string) error {
	defer observe("redis", "delete_job")()
	rec, err := s.GetJob(ctx, jobID)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, Key(ResourceJob, jobID))
		pipe.ZRem(ctx, IndexKey(ResourceJob), jobID)
		pipe.ZRem(ctx, ManagerJobsKey(rec.BackupManagerID), jobID)
		return nil
	})
	return errors.Annotatef(err, "deleting job %q", jobID)
}

// --- Agent Operations ---

func (s *RedisStore) UpsertAgent(ctx context.Context, rec *AgentRecord) error {
	defer observe("redis", "upsert_agent")()
	if rec.AgentID == "" {
		return errors.NotValidf("agent record without id")
	}
	c := *rec
	if c.RegisteredAt.IsZero() {
		if existing, err := s.GetAgent(ctx, rec.AgentID); err == nil {
			c.RegisteredAt = existing.RegisteredAt
		}
	}
	data, err := json.Marshal(&c)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, Key(ResourceAgent, rec.AgentID), data, 0)
		pipe.SAdd(ctx, IndexKey(ResourceAgent), rec.AgentID)
		return nil
	})
	return errors.Annotatef(err, "saving agent %q", rec.AgentID)
}

func (s *RedisStore) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	data, err := s.client.Get(ctx, Key(ResourceAgent, agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.NotFoundf("agent %q", agentID)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rec AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Annotatef(err, "decoding agent %q", agentID)
	}
	return &rec, nil
}

func (s *RedisStore) ListAgents(ctx context.Context, scope string) ([]*AgentRecord, error) {
	defer observe("redis", "list_agents")()
	ids, err := s.client.SMembers(ctx, IndexKey(ResourceAgent)).Result()
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := make([]*AgentRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetAgent(ctx, id)
		if errors.Is(err, errors.NotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		if scope == "" || rec.Scope == scope {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result, nil
}

func (s *RedisStore) DeleteAgent(ctx context.Context, agentID string) error {
	defer observe("redis", "delete_agent")()
	n, err := s.client.Del(ctx, Key(ResourceAgent, agentID)).Result()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		return errors.NotFoundf("agent %q", agentID)
	}
	return errors.Trace(s.client.SRem(ctx, IndexKey(ResourceAgent), agentID).Err())
}
