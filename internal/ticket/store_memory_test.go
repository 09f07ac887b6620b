package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"aselect/internal/domain"
	"aselect/pkg/platform/sentinel"
)

const testServerID = "aselect.example.org"

type TicketStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	now   time.Time
}

func (s *TicketStoreSuite) SetupTest() {
	s.now = time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)
	s.store = NewInMemoryStore(testServerID, 4*time.Hour, WithClock(func() time.Time { return s.now }))
}

func TestTicketStoreSuite(t *testing.T) {
	suite.Run(t, new(TicketStoreSuite))
}

func (s *TicketStoreSuite) create(t *domain.Ticket) string {
	id, err := s.store.Create(context.Background(), t)
	s.Require().NoError(err)
	return id
}

func (s *TicketStoreSuite) TestCreateAndGet() {
	id := s.create(&domain.Ticket{UserID: "jdoe", Organization: "org-a", AuthSPLevel: 20, RID: "r1"})

	found, err := s.store.Get(context.Background(), id)
	s.Require().NoError(err)
	s.Equal("jdoe", found.UserID)
	s.Equal(s.now.Add(4*time.Hour), found.ExpiresAt)

	s.Run("wrong id is indistinguishable from no ticket", func() {
		_, err := s.store.Get(context.Background(), domain.NewTicketID())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *TicketStoreSuite) TestExpiryHidesTicket() {
	id := s.create(&domain.Ticket{UserID: "jdoe"})

	s.now = s.now.Add(4*time.Hour + time.Second)

	_, err := s.store.Get(context.Background(), id)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.ExpiresAt(context.Background(), id)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	err = s.store.Update(context.Background(), &domain.Ticket{ID: id, UserID: "jdoe"})
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *TicketStoreSuite) TestNoReplayAfterDelete() {
	id := s.create(&domain.Ticket{UserID: "jdoe", AuthSPLevel: 20})

	s.Require().NoError(s.store.Delete(context.Background(), id))

	_, err := s.store.Get(context.Background(), id)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	ok, err := s.store.CheckCredentials(context.Background(), id, "jdoe", testServerID, 10, nil)
	s.Require().NoError(err)
	s.False(ok)

	s.Run("second delete reports not found", func() {
		s.Require().ErrorIs(s.store.Delete(context.Background(), id), sentinel.ErrNotFound)
	})
}

func (s *TicketStoreSuite) TestUpdateIsFullReplace() {
	id := s.create(&domain.Ticket{UserID: "jdoe", SSOSession: []string{"app-1"}})

	t, err := s.store.Get(context.Background(), id)
	s.Require().NoError(err)
	t.PresentedTo("app-2")
	s.Require().NoError(s.store.Update(context.Background(), t))

	found, err := s.store.Get(context.Background(), id)
	s.Require().NoError(err)
	s.Equal([]string{"app-1", "app-2"}, found.SSOSession)
}

func (s *TicketStoreSuite) TestCheckCredentialsGate() {
	id := s.create(&domain.Ticket{
		UserID:      "jdoe",
		AuthSPLevel: 20,
		SSOGroups:   []string{"intranet"},
	})

	check := func(userID, serverID string, level int, groups []string) bool {
		ok, err := s.store.CheckCredentials(context.Background(), id, userID, serverID, level, groups)
		s.Require().NoError(err)
		return ok
	}

	s.True(check("jdoe", testServerID, 10, nil))
	s.True(check("jdoe", testServerID, 20, []string{"intranet", "extranet"}))

	s.Run("wrong user", func() {
		s.False(check("mallory", testServerID, 10, nil))
	})
	s.Run("wrong server id", func() {
		s.False(check("jdoe", "aselect.other.org", 10, nil))
	})
	s.Run("insufficient level", func() {
		s.False(check("jdoe", testServerID, 30, nil))
	})
	s.Run("disjoint sso groups", func() {
		s.False(check("jdoe", testServerID, 10, []string{"extranet"}))
	})
}

func (s *TicketStoreSuite) TestSweepEvictsExpired() {
	liveID := s.create(&domain.Ticket{UserID: "alive"})

	expired := &domain.Ticket{UserID: "gone", ExpiresAt: s.now.Add(time.Minute)}
	s.create(expired)

	var evicted []*domain.Ticket
	s.store.onEvict = func(t *domain.Ticket) { evicted = append(evicted, t) }

	s.now = s.now.Add(2 * time.Minute)
	n := s.store.Sweep()

	s.Equal(1, n)
	s.Require().Len(evicted, 1)
	s.Equal("gone", evicted[0].UserID)

	_, err := s.store.Get(context.Background(), liveID)
	s.Require().NoError(err)
	s.Equal(1, s.store.Count())
}

func (s *TicketStoreSuite) TestReadersNeverSeeCallerMutations() {
	id := s.create(&domain.Ticket{UserID: "jdoe", SSOSession: []string{"app-1"}})

	t, err := s.store.Get(context.Background(), id)
	s.Require().NoError(err)
	t.SSOSession[0] = "tampered"

	again, err := s.store.Get(context.Background(), id)
	s.Require().NoError(err)
	s.Equal([]string{"app-1"}, again.SSOSession)
}
