// Package udb is the boundary towards the user database. The core only ever
// asks one question: which AuthSPs may this user authenticate with.
package udb

import "context"

// Profile is the answer for one user.
type Profile struct {
	UserID  string
	Enabled bool
	// AuthSPs maps AuthSP id to the user's registration data for that
	// method (opaque to the core).
	AuthSPs map[string]string
}

// Connector looks up user profiles. Implementations live outside the core.
//
//go:generate mockgen -destination=mocks/connector.go -package=mocks aselect/internal/udb Connector
type Connector interface {
	Profile(ctx context.Context, uid string) (*Profile, error)
}

// StaticConnector serves profiles from a fixed map; used in development
// deployments and tests.
type StaticConnector struct {
	profiles map[string]*Profile
}

// NewStaticConnector builds a connector over a fixed profile set.
func NewStaticConnector(profiles map[string]*Profile) *StaticConnector {
	return &StaticConnector{profiles: profiles}
}

func (c *StaticConnector) Profile(_ context.Context, uid string) (*Profile, error) {
	p, ok := c.profiles[uid]
	if !ok {
		return &Profile{UserID: uid, Enabled: false}, nil
	}
	return p, nil
}
