// Package session stores in-progress authentication attempts keyed by RID.
package session

import (
	"context"
	"time"

	"aselect/internal/domain"
)

// Store is the session storage contract. Create assigns the RID; Update is a
// full replace and must fail explicitly (sentinel.ErrDeleted) when the
// session was already deleted, never resurrect it.
type Store interface {
	Create(ctx context.Context, sess *domain.Session) (string, error)
	Get(ctx context.Context, rid string) (*domain.Session, error)
	Update(ctx context.Context, sess *domain.Session) error
	Delete(ctx context.Context, rid string) error
}

// Clock is injected for testability; defaults to time.Now.
type Clock func() time.Time

func cloneSession(s *domain.Session) *domain.Session {
	c := *s
	if s.AllowedAuthSPs != nil {
		c.AllowedAuthSPs = make(map[string]string, len(s.AllowedAuthSPs))
		for k, v := range s.AllowedAuthSPs {
			c.AllowedAuthSPs[k] = v
		}
	}
	if s.SSOGroups != nil {
		c.SSOGroups = append([]string(nil), s.SSOGroups...)
	}
	return &c
}
