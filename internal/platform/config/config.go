// Package config loads server configuration from environment variables and
// the registration file (applications, AuthSPs, peer organizations).
//
// Environment variables use the ASELECT_ prefix; see the individual structs
// for names and defaults. Registrations are read-only at request time and
// refreshed only by restart.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig is the composed server configuration.
type AppConfig struct {
	// ServerID is the value every caller must present as a-select-server.
	ServerID string `env:"SERVER_ID,required"`
	// Organization is this server's own organization id (_sMyOrg).
	Organization string `env:"ORGANIZATION,required"`

	Addr     string `env:"ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// RegistrationFile points at the YAML file with application, AuthSP and
	// peer registrations.
	RegistrationFile string `env:"REGISTRATION_FILE" envDefault:"registrations.yaml"`

	// SigningKeyFile is the PEM-encoded RSA private key used to sign
	// outbound peer calls.
	SigningKeyFile string `env:"SIGNING_KEY_FILE"`

	// AdminJWTKey protects the /admin endpoints.
	AdminJWTKey string `env:"ADMIN_JWT_KEY" envDefault:"dev-admin-key-change-in-production"`

	Ticket  TicketConfig  `envPrefix:"TGT_"`
	Session SessionConfig `envPrefix:"SESSION_"`
	Cookie  CookieConfig  `envPrefix:"COOKIE_"`
	Cross   CrossConfig   `envPrefix:"CROSS_"`
	Auth    AuthConfig    `envPrefix:"AUTH_"`
	Redis   RedisConfig   `envPrefix:"REDIS_"`
	Archive ArchiveConfig `envPrefix:"ARCHIVE_"`
	Audit   AuditConfig   `envPrefix:"AUDIT_"`
}

// TicketConfig bounds the TGT lifecycle.
type TicketConfig struct {
	TTL           time.Duration `env:"TTL" envDefault:"4h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	// SingleSignOn keeps tickets alive after verify_credentials; when false
	// every verification is one-shot.
	SingleSignOn bool `env:"SSO" envDefault:"true"`
}

// SessionConfig bounds the in-progress authentication lifecycle.
type SessionConfig struct {
	TTL           time.Duration `env:"TTL" envDefault:"15m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// CookieConfig shapes the aselect_credentials cookie.
type CookieConfig struct {
	Domain string `env:"DOMAIN"`
	Path   string `env:"PATH" envDefault:"/"`
	Secure bool   `env:"SECURE" envDefault:"true"`
	// Secret seeds the HKDF derivation of the AES key that encrypts the
	// ticket id inside the cookie value.
	Secret string `env:"SECRET,required"`
}

// CrossConfig controls federation with peer A-Select servers.
type CrossConfig struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
	// FallbackEnabled retries a failed local user lookup via the remote
	// organization instead of failing the flow.
	FallbackEnabled bool          `env:"FALLBACK" envDefault:"false"`
	FallbackOrg     string        `env:"FALLBACK_ORG"`
	CallTimeout     time.Duration `env:"CALL_TIMEOUT" envDefault:"10s"`
	// SessionSyncURL, when set, receives a session-sync notification before
	// upgrade_tgt refreshes a ticket.
	SessionSyncURL string `env:"SESSION_SYNC_URL"`
}

// AuthConfig controls the browser flow.
type AuthConfig struct {
	// UDBEnabled gates the local user lookup; when false every flow is
	// delegated cross-domain.
	UDBEnabled bool `env:"UDB_ENABLED" envDefault:"true"`
	// AlwaysShowSelect forces the AuthSP selection form even with a single
	// candidate.
	AlwaysShowSelect bool `env:"ALWAYS_SHOW_SELECT" envDefault:"false"`
}

// RedisConfig selects the shared-store backend; empty URL keeps the
// in-memory stores.
type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
}

// ArchiveConfig enables the Postgres archive of killed/expired tickets.
type ArchiveConfig struct {
	DSN string `env:"DSN"`
}

// AuditConfig selects the audit event sink; empty brokers keep the in-memory
// publisher.
type AuditConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"aselect.audit"`
}

// Load reads .env (best effort, dev convenience) and the environment.
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "ASELECT_"}); err != nil {
		return AppConfig{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
