package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Application is one registered relying application.
type Application struct {
	ID            string   `yaml:"id"`
	RequiredLevel int      `yaml:"required_level"`
	MaxLevel      int      `yaml:"max_level"`
	SSOGroups     []string `yaml:"sso_groups"`

	// ForcedAuthenticate mandates a fresh authentication for every request
	// from this application, regardless of existing tickets.
	ForcedAuthenticate bool `yaml:"forced_authenticate"`

	// Privileged applications may use create_tgt.
	Privileged bool `yaml:"privileged"`

	// RequireSigning demands a valid signature on every API call from this
	// application.
	RequireSigning bool   `yaml:"require_signing"`
	PublicKeyPEM   string `yaml:"public_key"`

	// NextAuthSP chains a second factor after the first succeeds; the entry
	// level is recorded if the chained factor fails.
	NextAuthSP           string `yaml:"next_authsp"`
	NextAuthSPEntryLevel int    `yaml:"next_authsp_entry_level"`

	// LogoutURL, when set, receives a notification when a ticket presented
	// to this application dies.
	LogoutURL string `yaml:"logout_url"`

	publicKey *rsa.PublicKey
}

// PublicKey returns the parsed RSA key, nil when none is registered.
func (a *Application) PublicKey() *rsa.PublicKey { return a.publicKey }

// AuthSP is one registered authentication method.
type AuthSP struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Level    int    `yaml:"level"`
	Endpoint string `yaml:"endpoint"`
}

// Peer is the trust record for one remote A-Select organization.
type Peer struct {
	Organization   string `yaml:"organization"`
	ServerID       string `yaml:"server_id"`
	ServerURL      string `yaml:"server_url"`
	RequireSigning bool   `yaml:"require_signing"`
	PublicKeyPEM   string `yaml:"public_key"`

	publicKey *rsa.PublicKey
}

// PublicKey returns the parsed RSA key, nil when none is registered.
func (p *Peer) PublicKey() *rsa.PublicKey { return p.publicKey }

// User is one locally known account for the static UDB backend. Deployments
// with a real user database leave this section empty.
type User struct {
	UID     string `yaml:"uid"`
	Enabled bool   `yaml:"enabled"`
	// AuthSPs maps AuthSP id to the user's registration data for that method.
	AuthSPs map[string]string `yaml:"authsps"`
}

// Registrations holds everything loaded from the registration file. Read-only
// at request time, so no locking on the lookup path.
type Registrations struct {
	Applications map[string]*Application
	AuthSPs      map[string]*AuthSP
	Peers        map[string]*Peer
	Users        map[string]*User
}

type registrationFile struct {
	Applications []*Application `yaml:"applications"`
	AuthSPs      []*AuthSP      `yaml:"authsps"`
	Peers        []*Peer        `yaml:"peers"`
	Users        []*User        `yaml:"users"`
}

// LoadRegistrations parses the YAML registration file and all embedded keys.
// A registration with an unparsable key is a startup error, not a runtime one.
func LoadRegistrations(path string) (*Registrations, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registration file: %w", err)
	}
	return ParseRegistrations(raw)
}

// ParseRegistrations builds the lookup maps from raw YAML.
func ParseRegistrations(raw []byte) (*Registrations, error) {
	var f registrationFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse registration file: %w", err)
	}

	regs := &Registrations{
		Applications: make(map[string]*Application, len(f.Applications)),
		AuthSPs:      make(map[string]*AuthSP, len(f.AuthSPs)),
		Peers:        make(map[string]*Peer, len(f.Peers)),
		Users:        make(map[string]*User, len(f.Users)),
	}
	for _, app := range f.Applications {
		if app.ID == "" {
			return nil, fmt.Errorf("application registration without id")
		}
		if app.PublicKeyPEM != "" {
			key, err := parseRSAPublicKey(app.PublicKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("application %s: %w", app.ID, err)
			}
			app.publicKey = key
		}
		if app.RequireSigning && app.publicKey == nil {
			return nil, fmt.Errorf("application %s requires signing but has no public key", app.ID)
		}
		regs.Applications[app.ID] = app
	}
	for _, sp := range f.AuthSPs {
		if sp.ID == "" || sp.Type == "" {
			return nil, fmt.Errorf("authsp registration without id or type")
		}
		regs.AuthSPs[sp.ID] = sp
	}
	for _, peer := range f.Peers {
		if peer.Organization == "" || peer.ServerURL == "" {
			return nil, fmt.Errorf("peer registration without organization or server_url")
		}
		if peer.PublicKeyPEM != "" {
			key, err := parseRSAPublicKey(peer.PublicKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("peer %s: %w", peer.Organization, err)
			}
			peer.publicKey = key
		}
		if peer.RequireSigning && peer.publicKey == nil {
			return nil, fmt.Errorf("peer %s requires signing but has no public key", peer.Organization)
		}
		regs.Peers[peer.Organization] = peer
	}
	for _, u := range f.Users {
		if u.UID == "" {
			return nil, fmt.Errorf("user registration without uid")
		}
		regs.Users[u.UID] = u
	}
	return regs, nil
}

func parseRSAPublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

// LoadSigningKey reads the server's RSA private key for outbound signatures.
func LoadSigningKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in signing key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not RSA")
	}
	return rsaKey, nil
}
