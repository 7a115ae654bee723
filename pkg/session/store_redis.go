package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// RedisStore keeps each session's results in one Redis hash so several
// kernel processes can share sessions. HSETNX makes every key write-once.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store on an existing client. ttl bounds how long
// an idle session's hash survives; zero keeps it until Drop.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "toolkernel:session:", ttl: ttl}
}

// NewRedisStoreFromAddr dials addr.
func NewRedisStoreFromAddr(addr, password string, db int, ttl time.Duration) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), ttl)
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID + ":results"
}

func (s *RedisStore) Put(ctx context.Context, sessionID, callID string, r contracts.ExecutionResult) (contracts.ExecutionResult, bool, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return contracts.ExecutionResult{}, false, fmt.Errorf("encode result: %w", err)
	}
	key := s.key(sessionID)
	inserted, err := s.client.HSetNX(ctx, key, callID, data).Result()
	if err != nil {
		return contracts.ExecutionResult{}, false, fmt.Errorf("redis hsetnx: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	if inserted {
		return r, true, nil
	}
	existing, ok, err := s.Get(ctx, sessionID, callID)
	if err != nil {
		return contracts.ExecutionResult{}, false, err
	}
	if !ok {
		return contracts.ExecutionResult{}, false, fmt.Errorf("result %s vanished after conflict", callID)
	}
	return existing, false, nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID, callID string) (contracts.ExecutionResult, bool, error) {
	data, err := s.client.HGet(ctx, s.key(sessionID), callID).Bytes()
	if errors.Is(err, redis.Nil) {
		return contracts.ExecutionResult{}, false, nil
	}
	if err != nil {
		return contracts.ExecutionResult{}, false, fmt.Errorf("redis hget: %w", err)
	}
	var r contracts.ExecutionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return contracts.ExecutionResult{}, false, fmt.Errorf("decode result: %w", err)
	}
	return r, true, nil
}

func (s *RedisStore) List(ctx context.Context, sessionID string) (map[string]contracts.ExecutionResult, error) {
	raw, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make(map[string]contracts.ExecutionResult, len(raw))
	for callID, data := range raw {
		var r contracts.ExecutionResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", callID, err)
		}
		out[callID] = r
	}
	return out, nil
}

func (s *RedisStore) Drop(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}
