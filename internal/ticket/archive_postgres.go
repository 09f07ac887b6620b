package ticket

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"aselect/internal/domain"
)

// PostgresArchive records killed and expired tickets for retention. The live
// path never reads it; it exists so operators can answer "who held a ticket
// for user X last week" after the store has forgotten.
type PostgresArchive struct {
	db    *sql.DB
	clock Clock
}

// PostgresArchiveOption configures a PostgresArchive instance.
type PostgresArchiveOption func(*PostgresArchive)

// WithArchiveClock sets the clock function for testability.
func WithArchiveClock(clock Clock) PostgresArchiveOption {
	return func(a *PostgresArchive) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// NewPostgresArchive constructs the archive on an open database handle.
func NewPostgresArchive(db *sql.DB, opts ...PostgresArchiveOption) *PostgresArchive {
	a := &PostgresArchive{
		db:    db,
		clock: defaultClock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Record stores the terminal state of a ticket. Reason is one of
// "killed", "logout", "consumed", "expired".
func (a *PostgresArchive) Record(ctx context.Context, t *domain.Ticket, reason string) error {
	query := `
		INSERT INTO ticket_archive
			(ticket_id, user_id, organization, proxy_organization, authsp_id,
			 authsp_level, app_id, sso_session, result_code, created_at,
			 expired_at, archived_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (ticket_id) DO NOTHING
	`
	_, err := a.db.ExecContext(ctx, query,
		t.ID, t.UserID, t.Organization, t.ProxyOrganization, t.AuthSPID,
		t.AuthSPLevel, t.AppID, pq.Array(t.SSOSession), string(t.ResultCode),
		t.CreatedAt, t.ExpiresAt, a.clock(), reason,
	)
	if err != nil {
		return fmt.Errorf("archive ticket: %w", err)
	}
	return nil
}
