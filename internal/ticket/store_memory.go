package ticket

import (
	"context"
	"sync"
	"time"

	"aselect/internal/domain"
	"aselect/pkg/platform/sentinel"
)

// Clock is injected for testability; defaults to time.Now.
type Clock func() time.Time

var defaultClock Clock = time.Now

// InMemoryStore keeps tickets in a mutex-guarded map. Mutation is serialized
// per store; records are copied on read and write so no caller ever observes
// a half-written ticket.
type InMemoryStore struct {
	mu       sync.RWMutex
	tickets  map[string]*domain.Ticket
	serverID string
	ttl      time.Duration
	clock    Clock

	// onEvict receives expired tickets from the sweeper, e.g. for archiving.
	onEvict func(*domain.Ticket)
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

// WithEvictHook registers a callback for tickets removed by the sweeper.
func WithEvictHook(hook func(*domain.Ticket)) InMemoryOption {
	return func(s *InMemoryStore) {
		s.onEvict = hook
	}
}

// NewInMemoryStore builds the in-memory TGT manager.
func NewInMemoryStore(serverID string, ttl time.Duration, opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		tickets:  make(map[string]*domain.Ticket),
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

func (s *InMemoryStore) Create(_ context.Context, t *domain.Ticket) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	t.ID = domain.NewTicketID()
	t.CreatedAt = now
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = now.Add(s.ttl)
	}
	s.tickets[t.ID] = cloneTicket(t)
	return t.ID, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *InMemoryStore) getLocked(id string) (*domain.Ticket, error) {
	t, ok := s.tickets[id]
	if !ok || t.Expired(s.clock()) {
		return nil, sentinel.ErrNotFound
	}
	return cloneTicket(t), nil
}

func (s *InMemoryStore) Update(_ context.Context, t *domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tickets[t.ID]
	if !ok || existing.Expired(s.clock()) {
		return sentinel.ErrNotFound
	}
	s.tickets[t.ID] = cloneTicket(t)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[id]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.tickets, id)
	return nil
}

func (s *InMemoryStore) ExpiresAt(_ context.Context, id string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.getLocked(id)
	if err != nil {
		return time.Time{}, err
	}
	return t.ExpiresAt, nil
}

func (s *InMemoryStore) CheckCredentials(_ context.Context, id, userID, serverID string, requiredLevel int, ssoGroups []string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.getLocked(id)
	if err != nil {
		return false, nil
	}
	return checkCredentials(t, s.serverID, userID, serverID, requiredLevel, ssoGroups), nil
}

// Count reports live tickets; used by the admin surface.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	now := s.clock()
	for _, t := range s.tickets {
		if !t.Expired(now) {
			n++
		}
	}
	return n
}

// Sweep removes expired tickets once. Safe to race with all other
// operations; expired records are already invisible to readers.
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	var evicted []*domain.Ticket
	now := s.clock()
	for id, t := range s.tickets {
		if t.Expired(now) {
			evicted = append(evicted, t)
			delete(s.tickets, id)
		}
	}
	s.mu.Unlock()

	if s.onEvict != nil {
		for _, t := range evicted {
			s.onEvict(t)
		}
	}
	return len(evicted)
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
