package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"aselect/internal/domain"
	"aselect/pkg/platform/sentinel"
)

const (
	sessionKeyPrefix   = "aselect:rid:"
	tombstoneKeyPrefix = "aselect:rid-gone:"
)

// RedisStore is the distributed session store. A short-lived tombstone key
// marks deleted RIDs so a racing write fails with ErrDeleted instead of
// resurrecting the session.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	clock  Clock
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisClock sets the clock function for testability.
func WithRedisClock(clock Clock) RedisOption {
	return func(s *RedisStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewRedisStore builds the Redis-backed session store.
func NewRedisStore(client *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    ttl,
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) Create(ctx context.Context, sess *domain.Session) (string, error) {
	now := s.clock()
	sess.CreatedAt = now
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = now.Add(s.ttl)
	}

	for i := 0; i < 3; i++ {
		sess.RID = domain.NewRID()
		raw, err := json.Marshal(sess)
		if err != nil {
			return "", fmt.Errorf("marshal session: %w", err)
		}
		ok, err := s.client.SetNX(ctx, sessionKeyPrefix+sess.RID, raw, sess.ExpiresAt.Sub(now)).Result()
		if err != nil {
			return "", fmt.Errorf("store session: %w", err)
		}
		if ok {
			return sess.RID, nil
		}
	}
	return "", sentinel.ErrConflict
}

func (s *RedisStore) Get(ctx context.Context, rid string) (*domain.Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+rid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Expired(s.clock()) {
		return nil, sentinel.ErrNotFound
	}
	return &sess, nil
}

func (s *RedisStore) Update(ctx context.Context, sess *domain.Session) error {
	gone, err := s.client.Exists(ctx, tombstoneKeyPrefix+sess.RID).Result()
	if err != nil {
		return fmt.Errorf("check session tombstone: %w", err)
	}
	if gone > 0 {
		return sentinel.ErrDeleted
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := sess.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return sentinel.ErrNotFound
	}
	ok, err := s.client.SetXX(ctx, sessionKeyPrefix+sess.RID, raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if !ok {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, rid string) error {
	n, err := s.client.Del(ctx, sessionKeyPrefix+rid).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	// Tombstone outlives any plausible in-flight request.
	if err := s.client.Set(ctx, tombstoneKeyPrefix+rid, "1", 5*time.Minute).Err(); err != nil {
		return fmt.Errorf("set session tombstone: %w", err)
	}
	return nil
}
