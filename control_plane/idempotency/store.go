// Package idempotency remembers responses to POST requests so that a
// retried request carrying the same key is answered without repeating
// the action.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a response is replayed.
const DefaultTTL = time.Hour

type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Store keeps responses by idempotency key.
type Store interface {
	Get(ctx context.Context, key string) (Response, bool, error)
	Set(ctx context.Context, key string, resp Response) error
}

type entry struct {
	resp      Response
	timestamp time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	cache map[string]entry
	ttl   time.Duration
	clock clock.Clock
}

func NewMemoryStore(ttl time.Duration, clk clock.Clock) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryStore{cache: make(map[string]entry), ttl: ttl, clock: clk}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return Response{}, false, nil
	}
	if s.clock.Now().Sub(e.timestamp) > s.ttl {
		delete(s.cache, key)
		return Response{}, false, nil
	}
	return e.resp, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = entry{resp: resp, timestamp: s.clock.Now()}
	return nil
}

// RedisStore shares responses between control plane replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(key string) string {
	return "backforge:idempotency:" + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (Response, bool, error) {
	data, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, errors.Annotatef(err, "reading idempotency key %q", key)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false, errors.Annotatef(err, "decoding idempotency key %q", key)
	}
	return resp, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(s.client.Set(ctx, redisKey(key), data, s.ttl).Err(), "storing idempotency key %q", key)
}
