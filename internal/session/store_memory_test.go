package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"aselect/internal/domain"
	"aselect/pkg/platform/sentinel"
)

type SessionStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	now   time.Time
}

func (s *SessionStoreSuite) SetupTest() {
	s.now = time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)
	s.store = NewInMemoryStore(15*time.Minute, WithClock(func() time.Time { return s.now }))
}

func TestSessionStoreSuite(t *testing.T) {
	suite.Run(t, new(SessionStoreSuite))
}

func (s *SessionStoreSuite) create(sess *domain.Session) string {
	rid, err := s.store.Create(context.Background(), sess)
	s.Require().NoError(err)
	return rid
}

func (s *SessionStoreSuite) TestCreateAssignsRIDAndTTL() {
	rid := s.create(&domain.Session{AppID: "app-1", Organization: "org-a", RequiredLevel: 10})
	s.Require().NotEmpty(rid)

	found, err := s.store.Get(context.Background(), rid)
	s.Require().NoError(err)
	s.Equal("app-1", found.AppID)
	s.Equal(s.now.Add(15*time.Minute), found.ExpiresAt)
}

func (s *SessionStoreSuite) TestGetUnknownRID() {
	_, err := s.store.Get(context.Background(), domain.NewRID())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *SessionStoreSuite) TestUpdateFlowProgress() {
	rid := s.create(&domain.Session{AppID: "app-1"})

	sess, err := s.store.Get(context.Background(), rid)
	s.Require().NoError(err)
	sess.UserID = "jdoe"
	sess.ChosenAuthSP = "sms-otp"
	s.Require().NoError(s.store.Update(context.Background(), sess))

	found, err := s.store.Get(context.Background(), rid)
	s.Require().NoError(err)
	s.Equal("jdoe", found.UserID)
	s.Equal("sms-otp", found.ChosenAuthSP)
}

func (s *SessionStoreSuite) TestWriteAfterDeleteFailsExplicitly() {
	rid := s.create(&domain.Session{AppID: "app-1"})

	sess, err := s.store.Get(context.Background(), rid)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Delete(context.Background(), rid))

	err = s.store.Update(context.Background(), sess)
	s.Require().ErrorIs(err, sentinel.ErrDeleted)

	_, err = s.store.Get(context.Background(), rid)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *SessionStoreSuite) TestExpiryHidesSession() {
	rid := s.create(&domain.Session{AppID: "app-1"})

	s.now = s.now.Add(16 * time.Minute)

	_, err := s.store.Get(context.Background(), rid)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	s.Equal(1, s.store.Sweep())
	s.Equal(0, s.store.Count())
}

func (s *SessionStoreSuite) TestSweepClearsTombstones() {
	rid := s.create(&domain.Session{AppID: "app-1"})
	sess, err := s.store.Get(context.Background(), rid)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Delete(context.Background(), rid))

	// Tombstone active: write still fails.
	s.Require().ErrorIs(s.store.Update(context.Background(), sess), sentinel.ErrDeleted)

	s.now = s.now.Add(tombstoneRetention + time.Minute)
	s.store.Sweep()

	// Tombstone gone: the write now fails as plain not-found.
	s.Require().ErrorIs(s.store.Update(context.Background(), sess), sentinel.ErrNotFound)
}

type TrackerSuite struct {
	suite.Suite
	store *InMemoryStore
}

func (s *TrackerSuite) SetupTest() {
	s.store = NewInMemoryStore(15 * time.Minute)
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerSuite))
}

func (s *TrackerSuite) TestDeferredUpdateAppliesOnce() {
	rid, err := s.store.Create(context.Background(), &domain.Session{AppID: "app-1"})
	s.Require().NoError(err)
	sess, err := s.store.Get(context.Background(), rid)
	s.Require().NoError(err)

	tr := NewTracker(s.store)
	sess.UserID = "first"
	tr.MarkUpdated(sess)
	sess.UserID = "final"
	tr.MarkUpdated(sess)

	// Nothing written until flush.
	unflushed, err := s.store.Get(context.Background(), rid)
	s.Require().NoError(err)
	s.Empty(unflushed.UserID)

	s.Require().NoError(tr.Flush(context.Background()))

	found, err := s.store.Get(context.Background(), rid)
	s.Require().NoError(err)
	s.Equal("final", found.UserID)
}

func (s *TrackerSuite) TestDeleteWinsOverUpdate() {
	rid, err := s.store.Create(context.Background(), &domain.Session{AppID: "app-1"})
	s.Require().NoError(err)
	sess, err := s.store.Get(context.Background(), rid)
	s.Require().NoError(err)

	tr := NewTracker(s.store)
	tr.MarkUpdated(sess)
	tr.MarkDeleted(rid)
	s.Require().NoError(tr.Flush(context.Background()))

	_, err = s.store.Get(context.Background(), rid)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *TrackerSuite) TestEmptyFlushIsNoop() {
	tr := NewTracker(s.store)
	s.Require().NoError(tr.Flush(context.Background()))
}
