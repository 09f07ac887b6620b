package domain

import "time"

// Ticket is the TGT: the server-side record for one authenticated browser.
// Only its id leaves the server, encrypted, inside the aselect_credentials
// cookie. Everything else is looked up here and never trusted from the client.
type Ticket struct {
	ID string

	UserID       string
	Organization string
	// ProxyOrganization is the original authenticating organization when the
	// ticket was issued via cross-domain delegation.
	ProxyOrganization string
	AuthSPID          string
	AuthSPLevel       int
	SelectedLevel     int

	AppID string
	// RID binds the ticket to the authentication attempt that minted it;
	// verify_credentials rejects any other RID.
	RID string

	// SSOSession lists the application/SP ids the ticket has been presented
	// to since creation; logout notifies each of them.
	SSOSession []string
	// SSOGroups carried forward from the issuing session.
	SSOGroups []string

	// ResultCode != success marks a tombstone describing why authentication
	// failed; it is consumed exactly once by verify_credentials.
	ResultCode ResultCode

	// Attributes is the escape hatch for AuthSP-specific dynamic data.
	Attributes map[string]string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the ticket TTL has passed at the given instant.
// Expired tickets are indistinguishable from unknown ones to callers.
func (t *Ticket) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// Tombstone reports whether the record only exists to deliver a failure code.
func (t *Ticket) Tombstone() bool {
	return t.ResultCode != "" && t.ResultCode != CodeSuccess
}

// PresentedTo records an application contact for later logout notification.
// Idempotent per application id.
func (t *Ticket) PresentedTo(appID string) {
	for _, id := range t.SSOSession {
		if id == appID {
			return
		}
	}
	t.SSOSession = append(t.SSOSession, appID)
}

// GroupsCompatible applies the SSO-group rule: if both the ticket and the
// request declare groups, they must intersect; an empty set on either side
// does not restrict.
func GroupsCompatible(ticketGroups, requestGroups []string) bool {
	if len(ticketGroups) == 0 || len(requestGroups) == 0 {
		return true
	}
	for _, tg := range ticketGroups {
		for _, rg := range requestGroups {
			if tg == rg {
				return true
			}
		}
	}
	return false
}
