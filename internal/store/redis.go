// ABOUTME: Redis-backed SessionStore for multi-proxy deployments.
// ABOUTME: Sessions serialized as JSON values with a TTL matching their expiry.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "gatewise:session:"

// sessionRecord is the JSON shape stored in Redis.
type sessionRecord struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	DeviceID       string    `json:"deviceId"`
	TargetOverride string    `json:"targetOverride,omitempty"`
	Status         string    `json:"status"`
	ExpiresAt      time.Time `json:"expiresAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RedisSessionStore implements SessionStore on a Redis client. Ended and
// expired sessions keep their record (with updated status) until the key's
// TTL lapses so that closed sessions remain distinguishable from unknown ones
// for a grace window.
type RedisSessionStore struct {
	client *redis.Client
	logger *slog.Logger
}

var _ SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore connects to Redis and verifies the connection.
func NewRedisSessionStore(ctx context.Context, addr, username, password string) (*RedisSessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
		DB:       0,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisSessionStore{
		client: client,
		logger: slog.Default().With("component", "redis-store"),
	}, nil
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// SaveSession writes a session with a TTL extending one hour past expiry.
func (s *RedisSessionStore) SaveSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}

	data, err := json.Marshal(sessionRecord{
		ID:             sess.ID,
		TenantID:       sess.TenantID,
		DeviceID:       sess.DeviceID,
		TargetOverride: sess.TargetOverride,
		Status:         sess.Status,
		ExpiresAt:      sess.ExpiresAt,
		CreatedAt:      sess.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	ttl := time.Until(sess.ExpiresAt) + time.Hour
	if ttl <= 0 {
		return fmt.Errorf("session %s already past its grace window", sess.ID)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+sess.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *RedisSessionStore) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	var rec sessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}

	return &Session{
		ID:             rec.ID,
		TenantID:       rec.TenantID,
		DeviceID:       rec.DeviceID,
		TargetOverride: rec.TargetOverride,
		Status:         rec.Status,
		ExpiresAt:      rec.ExpiresAt,
		CreatedAt:      rec.CreatedAt,
	}, nil
}

// ExpireSession transitions a session to the expired state.
func (s *RedisSessionStore) ExpireSession(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, SessionStatusExpired)
}

// EndSession transitions a session to the ended state.
func (s *RedisSessionStore) EndSession(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, SessionStatusEnded)
}

func (s *RedisSessionStore) setStatus(ctx context.Context, id, status string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	sess.Status = status
	return s.SaveSession(ctx, sess)
}
