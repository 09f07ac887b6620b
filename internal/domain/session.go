package domain

import "time"

// Session is one in-progress authentication attempt, keyed by RID. It is
// created by the gateway authenticate call (or by the orchestrator for
// privileged browser entries) and driven forward exclusively by the browser
// holding the RID.
//
// Invariant: Organization, AppID, LocalOrganization and the return URLs are
// fixed at creation; only flow-progress fields mutate afterwards.
type Session struct {
	RID string

	// Where the user came from and where to return them.
	Organization      string
	AppID             string
	AppURL            string
	LocalOrganization string // set when the session originated from a peer server
	LocalServerURL    string

	// Assurance-level bounds the eventual AuthSP result must satisfy.
	RequiredLevel int
	MaxLevel      int

	// ForcedLevel overrides the effective level while a chained second factor
	// is in flight; zero means unset.
	ForcedLevel int

	// Caller- or config-supplied overrides.
	ForcedAuthenticate bool
	ForcedUserID       string
	ForcedAuthSP       string
	ForcedOrganization string

	// AllowedAuthSPs maps AuthSP id to per-user registration data, filled in
	// once the user id is known.
	AllowedAuthSPs map[string]string

	// SSOGroups the application participates in; decides whether a ticket
	// issued to a different application may satisfy this request.
	SSOGroups []string

	// Selections made as the flow progresses.
	ChosenAuthSP string
	DirectAuthSP string
	FixedAuthSP  string
	FixedUserID  string

	UserID       string
	CountryCode  string
	LanguageCode string

	// NextAuthSP chains a second factor after the current AuthSP succeeds.
	NextAuthSP string

	// RemoteRID is the peer server's correlation id once this attempt was
	// delegated cross-domain.
	RemoteRID string

	// TicketID is set once issuance happened for this RID, making a replayed
	// AuthSP callback idempotent.
	TicketID string

	// ResultCode records why the flow terminated in error.
	ResultCode ResultCode

	CreatedAt time.Time
	ExpiresAt time.Time
}

// EffectiveLevel is the level bound the AuthSP result is checked against,
// honoring a chained factor's lowered entry level.
func (s *Session) EffectiveLevel() int {
	if s.ForcedLevel > 0 {
		return s.ForcedLevel
	}
	return s.RequiredLevel
}

// Expired reports whether the session TTL has passed at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
