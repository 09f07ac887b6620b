package session

import (
	"context"
	"sync"
	"time"

	"aselect/internal/domain"
	"aselect/pkg/platform/sentinel"
)

// tombstoneRetention keeps deleted RIDs around long enough that a racing
// write still fails with ErrDeleted instead of resurrecting the record.
const tombstoneRetention = 5 * time.Minute

// InMemoryStore keeps sessions in a mutex-guarded map plus a tombstone set
// for recently deleted RIDs.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	deleted  map[string]time.Time
	ttl      time.Duration
	clock    Clock
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithClock sets the clock function for testability.
func WithClock(clock Clock) InMemoryOption {
	return func(s *InMemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewInMemoryStore builds the in-memory session store.
func NewInMemoryStore(ttl time.Duration, opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		sessions: make(map[string]*domain.Session),
		deleted:  make(map[string]time.Time),
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

func (s *InMemoryStore) Create(_ context.Context, sess *domain.Session) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	sess.RID = domain.NewRID()
	sess.CreatedAt = now
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = now.Add(s.ttl)
	}
	s.sessions[sess.RID] = cloneSession(sess)
	return sess.RID, nil
}

func (s *InMemoryStore) Get(_ context.Context, rid string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[rid]
	if !ok || sess.Expired(s.clock()) {
		return nil, sentinel.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) Update(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, gone := s.deleted[sess.RID]; gone {
		return sentinel.ErrDeleted
	}
	existing, ok := s.sessions[sess.RID]
	if !ok || existing.Expired(s.clock()) {
		return sentinel.ErrNotFound
	}
	s.sessions[sess.RID] = cloneSession(sess)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, rid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[rid]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.sessions, rid)
	s.deleted[rid] = s.clock()
	return nil
}

// Count reports live sessions; used by the admin surface.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	now := s.clock()
	for _, sess := range s.sessions {
		if !sess.Expired(now) {
			n++
		}
	}
	return n
}

// Sweep removes expired sessions and stale tombstones once.
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	n := 0
	for rid, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, rid)
			n++
		}
	}
	for rid, at := range s.deleted {
		if now.Sub(at) > tombstoneRetention {
			delete(s.deleted, rid)
		}
	}
	return n
}

// Run drives the background sweep until the context is cancelled.
func (s *InMemoryStore) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep()
		}
	}
}
