// Package cache mirrors live mining sessions into Redis so the engine
// can rehydrate after a process restart. Redis is a recovery aid, not
// the source of truth; the in-memory store stays authoritative.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"finova-engine/internal/domain"
)

const sessionKeyPrefix = "session:"

// scanBatch bounds how many keys one SCAN page returns during LoadAll.
const scanBatch = 100

// RedisStore implements domain.SessionCache on a Redis client. Entries
// carry a TTL so a crashed engine never leaves sessions behind forever.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a session cache writing under "session:<userID>"
// with the given entry TTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(userID string) string {
	return sessionKeyPrefix + userID
}

// Save writes the session as JSON, refreshing the TTL.
func (r *RedisStore) Save(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(session.UserID), data, r.ttl).Err(); err != nil {
		return domain.Transient("cache save", err)
	}
	return nil
}

// Load reads one user's mirrored session.
func (r *RedisStore) Load(ctx context.Context, userID string) (*domain.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, domain.Transient("cache load", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Delete evicts one user's mirrored session.
func (r *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return domain.Transient("cache delete", err)
	}
	return nil
}

// LoadAll scans every mirrored session, used once at startup to
// rehydrate the store. Entries that fail to decode are skipped rather
// than blocking recovery of the rest.
func (r *RedisStore) LoadAll(ctx context.Context) ([]*domain.Session, error) {
	var sessions []*domain.Session

	iter := r.client.Scan(ctx, 0, sessionKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, domain.Transient("cache load", err)
		}

		var session domain.Session
		if err := json.Unmarshal(data, &session); err != nil {
			continue
		}
		sessions = append(sessions, &session)
	}
	if err := iter.Err(); err != nil {
		return nil, domain.Transient("cache scan", err)
	}
	return sessions, nil
}
