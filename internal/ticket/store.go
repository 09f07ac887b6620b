// Package ticket is the TGT manager: storage and verification of the
// server-side records behind the aselect_credentials cookie.
package ticket

import (
	"context"
	"time"

	"aselect/internal/domain"
)

// Store is the TGT storage contract. An expired ticket is indistinguishable
// from an unknown one on every operation; callers re-check existence after
// any call that can race with TTL eviction.
type Store interface {
	// Create assigns a fresh id, stamps the lifecycle fields and persists
	// the record. Fails only on storage exhaustion or backend errors.
	Create(ctx context.Context, t *domain.Ticket) (string, error)
	Get(ctx context.Context, id string) (*domain.Ticket, error)
	// Update is a full replace; sentinel.ErrNotFound when the ticket expired
	// or was deleted concurrently.
	Update(ctx context.Context, t *domain.Ticket) error
	Delete(ctx context.Context, id string) error
	ExpiresAt(ctx context.Context, id string) (time.Time, error)
	// CheckCredentials is the single-sign-on shortcut gate: true only when
	// the ticket exists, belongs to userID on this server, carries at least
	// requiredLevel and its SSO groups are compatible with the caller's.
	CheckCredentials(ctx context.Context, id, userID, serverID string, requiredLevel int, ssoGroups []string) (bool, error)
}

// checkCredentials holds the shared gate logic; backends only differ in how
// they load the record.
func checkCredentials(t *domain.Ticket, ownServerID, userID, serverID string, requiredLevel int, ssoGroups []string) bool {
	if t == nil {
		return false
	}
	if t.UserID != userID || serverID != ownServerID {
		return false
	}
	if t.AuthSPLevel < requiredLevel {
		return false
	}
	return domain.GroupsCompatible(t.SSOGroups, ssoGroups)
}

func cloneTicket(t *domain.Ticket) *domain.Ticket {
	c := *t
	if t.SSOSession != nil {
		c.SSOSession = append([]string(nil), t.SSOSession...)
	}
	if t.SSOGroups != nil {
		c.SSOGroups = append([]string(nil), t.SSOGroups...)
	}
	if t.Attributes != nil {
		c.Attributes = make(map[string]string, len(t.Attributes))
		for k, v := range t.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
