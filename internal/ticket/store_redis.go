package ticket

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

const ticketKeyPrefix = "aselect:tgt:"

// RedisStore is the distributed TGT manager. Redis owns TTL eviction, so
// there is no sweeper; expiry and deletion are indistinguishable to readers,
// which is exactly the information-hiding the protocol wants.
type RedisStore struct {
	client   *redis.Client
	serverID string
	ttl      time.Duration
	clock    Clock
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

// NewRedisStore builds the Redis-backed TGT manager.
func NewRedisStore(client *redis.Client, serverID string, ttl time.Duration, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:   client,
		serverID: serverID,
		ttl:      ttl,
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) Create(ctx context.Context, t *domain.Ticket) (string, error) {
	now := s.clock()
	t.CreatedAt = now
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = now.Add(s.ttl)
	}

	// Id collision is vanishingly unlikely but SET NX keeps it impossible.
	for i := 0; i < 3; i++ {
		t.ID = domain.NewTicketID()
		raw, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("marshal ticket: %w", err)
		}
		ok, err := s.client.SetNX(ctx, ticketKeyPrefix+t.ID, raw, t.ExpiresAt.Sub(now)).Result()
		if err != nil {
			return "", fmt.Errorf("store ticket: %w", err)
		}
		if ok {
			return t.ID, nil
		}
	}
	return "", sentinel.ErrConflict
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	raw, err := s.client.Get(ctx, ticketKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	var t domain.Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	if t.Expired(s.clock()) {
		return nil, sentinel.ErrNotFound
	}
	return &t, nil
}

func (s *RedisStore) Update(ctx context.Context, t *domain.Ticket) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	ttl := t.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		return sentinel.ErrNotFound
	}
	ok, err := s.client.SetXX(ctx, ticketKeyPrefix+t.ID, raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	if !ok {
		// Expired or deleted concurrently; callers treat this as NotFound.
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, ticketKeyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *RedisStore) ExpiresAt(ctx context.Context, id string) (time.Time, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return t.ExpiresAt, nil
}

func (s *RedisStore) CheckCredentials(ctx context.Context, id, userID, serverID string, requiredLevel int, ssoGroups []string) (bool, error) {
	t, err := s.Get(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return checkCredentials(t, s.serverID, userID, serverID, requiredLevel, ssoGroups), nil
}
