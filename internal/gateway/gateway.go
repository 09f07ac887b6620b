// Package gateway implements the signed API contract towards applications and
// peer A-Select servers: authenticate, verify_credentials, kill_tgt,
// upgrade_tgt and get_app_level. Responses are parameter maps; the transport
// layer serializes them urlencoded with HTTP status 200 regardless of the
// result code.
package gateway

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"aselect/internal/domain"
	"aselect/internal/platform/config"
	"aselect/internal/platform/metrics"
	"aselect/internal/session"
	"aselect/internal/sign"
	"aselect/internal/ticket"
	"aselect/pkg/platform/audit"
	"aselect/pkg/platform/sentinel"
)

// Archiver records terminated tickets for offline analysis. Optional; a nil
// archiver disables archiving.
type Archiver interface {
	Record(ctx context.Context, t *domain.Ticket, reason string) error
}

// SessionSyncer notifies a federation partner before a ticket refresh.
type SessionSyncer interface {
	SessionSync(ctx context.Context, syncURL string, t *domain.Ticket) error
}

// Clock is injected for testability.
type Clock func() time.Time

// Gateway handles the server-to-server protocol operations.
type Gateway struct {
	regs     *config.Registrations
	tickets  ticket.Store
	sessions session.Store
	crypter  *ticket.Crypter

	serverID   string
	org        string
	baseURL    string
	ticketTTL  time.Duration
	sessionTTL time.Duration
	sso        bool

	archive Archiver
	syncer  SessionSyncer
	syncURL string

	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   audit.Publisher
	clock   Clock
}

// Option configures optional gateway collaborators.
type Option func(*Gateway)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithArchiver enables the ticket archive.
func WithArchiver(a Archiver) Option {
	return func(g *Gateway) { g.archive = a }
}

// WithSessionSync enables the pre-upgrade federation notification.
func WithSessionSync(s SessionSyncer, syncURL string) Option {
	return func(g *Gateway) {
		g.syncer = s
		g.syncURL = syncURL
	}
}

// New wires the gateway.
func New(
	regs *config.Registrations,
	tickets ticket.Store,
	sessions session.Store,
	crypter *ticket.Crypter,
	cfg config.AppConfig,
	baseURL string,
	logger *slog.Logger,
	m *metrics.Metrics,
	auditPub audit.Publisher,
	opts ...Option,
) *Gateway {
	g := &Gateway{
		regs:       regs,
		tickets:    tickets,
		sessions:   sessions,
		crypter:    crypter,
		serverID:   cfg.ServerID,
		org:        cfg.Organization,
		baseURL:    baseURL,
		ticketTTL:  cfg.Ticket.TTL,
		sessionTTL: cfg.Session.TTL,
		sso:        cfg.Ticket.SingleSignOn,
		logger:     logger,
		metrics:    m,
		audit:      auditPub,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// checkServerID runs before anything else on every operation, signature
// verification included.
func (g *Gateway) checkServerID(params map[string]string) error {
	if params[domain.ParamServerID] != g.serverID {
		return domain.NewError(domain.CodeServerIDMismatch, "request addressed to a different server")
	}
	return nil
}

// AuthenticateApp handles authenticate from a registered application: creates
// the session and answers with the RID and the browser entry URL.
func (g *Gateway) AuthenticateApp(ctx context.Context, params map[string]string) (map[string]string, error) {
	if err := g.checkServerID(params); err != nil {
		return nil, err
	}
	appID := params[domain.ParamAppID]
	app, ok := g.regs.Applications[appID]
	if !ok {
		return nil, domain.NewError(domain.CodeUnknownApp, "application not registered: "+appID)
	}
	appURL := params[domain.ParamAppURL]
	if appURL == "" {
		return nil, domain.NewError(domain.CodeInvalidRequest, "app_url is required")
	}
	if app.RequireSigning {
		if err := g.verifySignature(ctx, app.PublicKey(), params, sign.AppAuthenticateOrder, appID); err != nil {
			return nil, err
		}
	}

	// The stricter of the registered level and the caller's ask wins; an app
	// may raise the bar per request, never lower it.
	requiredLevel := app.RequiredLevel
	if v := params[domain.ParamRequiredLevel]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, domain.NewError(domain.CodeInvalidRequest, "required_level is not a positive integer")
		}
		if n > requiredLevel {
			requiredLevel = n
		}
	}

	now := g.clock()
	sess := &domain.Session{
		Organization:       g.org,
		AppID:              appID,
		AppURL:             appURL,
		RequiredLevel:      requiredLevel,
		MaxLevel:           app.MaxLevel,
		ForcedAuthenticate: app.ForcedAuthenticate || isTrue(params[domain.ParamForcedLogon]),
		ForcedUserID:       params[domain.ParamUID],
		SSOGroups:          app.SSOGroups,
		NextAuthSP:         app.NextAuthSP,
		CountryCode:        params[domain.ParamCountry],
		LanguageCode:       params[domain.ParamLanguage],
		CreatedAt:          now,
		ExpiresAt:          now.Add(g.sessionTTL),
	}
	if remote := params[domain.ParamRemoteOrganization]; remote != "" && remote != g.org {
		sess.Organization = remote
	}

	rid, err := g.sessions.Create(ctx, sess)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternalError, "create session", err)
	}
	g.metrics.SessionsCreated.Inc()
	_ = g.audit.Emit(ctx, audit.Event{
		Action:       audit.ActionSessionCreated,
		Timestamp:    now,
		RID:          rid,
		AppID:        appID,
		Organization: sess.Organization,
	})

	return map[string]string{
		domain.ParamResultCode:  string(domain.CodeSuccess),
		domain.ParamRID:         rid,
		domain.ParamRedirectURL: g.loginURL(rid),
	}, nil
}

// AuthenticatePeer handles authenticate from a remote A-Select server acting
// on behalf of one of its applications.
func (g *Gateway) AuthenticatePeer(ctx context.Context, params map[string]string) (map[string]string, error) {
	if err := g.checkServerID(params); err != nil {
		return nil, err
	}
	localOrg := params[domain.ParamLocalOrganization]
	peer, ok := g.regs.Peers[localOrg]
	if !ok {
		return nil, domain.NewError(domain.CodeInvalidRequest, "no trust record for organization "+localOrg)
	}
	localASURL := params[domain.ParamLocalASURL]
	if localASURL == "" {
		return nil, domain.NewError(domain.CodeInvalidRequest, "local_as_url is required")
	}
	if peer.RequireSigning {
		if err := g.verifySignature(ctx, peer.PublicKey(), params, sign.PeerAuthenticateOrder, localOrg); err != nil {
			return nil, err
		}
	}
	requiredLevel, err := strconv.Atoi(params[domain.ParamRequiredLevel])
	if err != nil || requiredLevel < 1 {
		return nil, domain.NewError(domain.CodeInvalidRequest, "required_level missing or not a positive integer")
	}

	now := g.clock()
	sess := &domain.Session{
		Organization:       g.org,
		LocalOrganization:  localOrg,
		LocalServerURL:     localASURL,
		RequiredLevel:      requiredLevel,
		ForcedAuthenticate: isTrue(params[domain.ParamForcedLogon]),
		ForcedUserID:       params[domain.ParamUID],
		CountryCode:        params[domain.ParamCountry],
		LanguageCode:       params[domain.ParamLanguage],
		CreatedAt:          now,
		ExpiresAt:          now.Add(g.sessionTTL),
	}
	rid, err := g.sessions.Create(ctx, sess)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternalError, "create session", err)
	}
	g.metrics.SessionsCreated.Inc()
	_ = g.audit.Emit(ctx, audit.Event{
		Action:           audit.ActionSessionCreated,
		Timestamp:        now,
		RID:              rid,
		Organization:     g.org,
		PeerOrganization: localOrg,
	})

	return map[string]string{
		domain.ParamResultCode:  string(domain.CodeSuccess),
		domain.ParamRID:         rid,
		domain.ParamRedirectURL: g.baseURL + "/aselect",
	}, nil
}

// VerifyCredentials exchanges the browser-carried blob for the verified
// identity. RID binding is strict: the blob only answers for the attempt that
// minted (or was told about) the ticket.
func (g *Gateway) VerifyCredentials(ctx context.Context, params map[string]string) (map[string]string, error) {
	if err := g.checkServerID(params); err != nil {
		return nil, err
	}
	rid := params[domain.ParamRID]
	if rid == "" {
		return nil, domain.NewError(domain.CodeInvalidRequest, "rid is required")
	}

	t, err := g.loadTicket(ctx, params[domain.ParamCredentials])
	if err != nil {
		return nil, err
	}
	if t.RID != rid {
		return nil, domain.NewError(domain.CodeTGTNotValid, "credentials not bound to this rid")
	}

	if err := g.verifyCallerSignature(ctx, params, t.AppID, sign.VerifyCredentialsOrder); err != nil {
		return nil, err
	}

	if t.Tombstone() {
		// Consumed exactly once: the failure code is delivered and the
		// record dies.
		g.destroyTicket(ctx, t, "consumed")
		return nil, domain.NewError(t.ResultCode, "authentication failed")
	}

	resp := map[string]string{
		domain.ParamResultCode:   string(domain.CodeSuccess),
		domain.ParamUID:          t.UserID,
		domain.ParamOrganization: t.Organization,
		domain.ParamASP:          t.AuthSPID,
		domain.ParamASPLevel:     strconv.Itoa(t.AuthSPLevel),
		domain.ParamAppLevel:     strconv.Itoa(t.SelectedLevel),
		domain.ParamTGTExpTime:   strconv.FormatInt(t.ExpiresAt.UnixMilli(), 10),
	}
	if len(t.Attributes) > 0 {
		resp[domain.ParamAttributes] = encodeAttributes(t.Attributes)
	}

	if g.sso {
		if t.AppID != "" {
			t.PresentedTo(t.AppID)
		}
		if err := g.tickets.Update(ctx, t); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return nil, domain.WrapError(domain.CodeInternalError, "record presentation", err)
		}
	} else {
		g.destroyTicket(ctx, t, "consumed")
	}

	_ = g.audit.Emit(ctx, audit.Event{
		Action:       audit.ActionTicketVerified,
		Timestamp:    g.clock(),
		RID:          rid,
		TicketID:     t.ID,
		UserID:       t.UserID,
		AppID:        t.AppID,
		Organization: t.Organization,
	})
	return resp, nil
}

// KillTGT destroys a ticket on behalf of the application it was issued to.
// Unknown, expired or already-killed tickets answer unknown-tgt; the operation
// never errors harder than that for a stale id.
func (g *Gateway) KillTGT(ctx context.Context, params map[string]string) (map[string]string, error) {
	if err := g.checkServerID(params); err != nil {
		return nil, err
	}
	t, err := g.loadTicket(ctx, params[domain.ParamCryptedCredentials])
	if err != nil {
		return nil, err
	}
	if err := g.verifyCallerSignature(ctx, params, t.AppID, sign.CryptedCredentialsOrder); err != nil {
		return nil, err
	}

	g.destroyTicket(ctx, t, "killed")
	g.metrics.TicketsKilled.Inc()
	_ = g.audit.Emit(ctx, audit.Event{
		Action:    audit.ActionTicketKilled,
		Timestamp: g.clock(),
		TicketID:  t.ID,
		UserID:    t.UserID,
		AppID:     t.AppID,
	})
	return map[string]string{domain.ParamResultCode: string(domain.CodeSuccess)}, nil
}

// UpgradeTGT refreshes a ticket's expiry by the full TGT TTL. When a
// federation sync partner is configured it is notified first; the refresh only
// happens after a successful sync.
func (g *Gateway) UpgradeTGT(ctx context.Context, params map[string]string) (map[string]string, error) {
	if err := g.checkServerID(params); err != nil {
		return nil, err
	}
	t, err := g.loadTicket(ctx, params[domain.ParamCryptedCredentials])
	if err != nil {
		return nil, err
	}
	if err := g.verifyCallerSignature(ctx, params, t.AppID, sign.CryptedCredentialsOrder); err != nil {
		return nil, err
	}

	if g.syncer != nil && g.syncURL != "" {
		if err := g.syncer.SessionSync(ctx, g.syncURL, t); err != nil {
			return nil, err
		}
	}

	t.ExpiresAt = g.clock().Add(g.ticketTTL)
	if err := g.tickets.Update(ctx, t); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, domain.NewError(domain.CodeUnknownTGT, "ticket vanished during upgrade")
		}
		return nil, domain.WrapError(domain.CodeInternalError, "refresh ticket", err)
	}
	_ = g.audit.Emit(ctx, audit.Event{
		Action:    audit.ActionTicketUpgraded,
		Timestamp: g.clock(),
		TicketID:  t.ID,
		UserID:    t.UserID,
		AppID:     t.AppID,
	})
	return map[string]string{domain.ParamResultCode: string(domain.CodeSuccess)}, nil
}

// GetAppLevel answers the registered assurance level of one application.
func (g *Gateway) GetAppLevel(ctx context.Context, params map[string]string) (map[string]string, error) {
	if err := g.checkServerID(params); err != nil {
		return nil, err
	}
	app, ok := g.regs.Applications[params[domain.ParamAppID]]
	if !ok {
		return nil, domain.NewError(domain.CodeUnknownApp, "application not registered: "+params[domain.ParamAppID])
	}
	return map[string]string{
		domain.ParamResultCode: string(domain.CodeSuccess),
		domain.ParamAppLevel:   strconv.Itoa(app.RequiredLevel),
	}, nil
}

// loadTicket decrypts a credentials blob and loads the record. Every failure
// mode collapses into unknown-tgt so a caller cannot distinguish tampering
// from expiry.
func (g *Gateway) loadTicket(ctx context.Context, blob string) (*domain.Ticket, error) {
	if blob == "" {
		return nil, domain.NewError(domain.CodeInvalidRequest, "credentials are required")
	}
	id, err := g.crypter.Decrypt(blob)
	if err != nil {
		return nil, domain.NewError(domain.CodeUnknownTGT, "credentials do not resolve to a ticket")
	}
	t, err := g.tickets.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, domain.NewError(domain.CodeUnknownTGT, "credentials do not resolve to a ticket")
		}
		return nil, domain.WrapError(domain.CodeInternalError, "load ticket", err)
	}
	return t, nil
}

// verifyCallerSignature applies the signing policy of whoever presents a
// ticket. A peer server announces itself with local_organization and answers
// to its own trust record; otherwise the application that minted the ticket
// governs. Tickets from peer-originated sessions have no AppID, so the peer
// branch is the only signature gate they ever see.
func (g *Gateway) verifyCallerSignature(ctx context.Context, params map[string]string, appID string, order []string) error {
	if localOrg := params[domain.ParamLocalOrganization]; localOrg != "" {
		peer, ok := g.regs.Peers[localOrg]
		if !ok {
			return domain.NewError(domain.CodeInvalidRequest, "no trust record for organization "+localOrg)
		}
		if peer.RequireSigning {
			return g.verifySignature(ctx, peer.PublicKey(), params, order, localOrg)
		}
		return nil
	}
	if app, ok := g.regs.Applications[appID]; ok && app.RequireSigning {
		return g.verifySignature(ctx, app.PublicKey(), params, order, appID)
	}
	return nil
}

func (g *Gateway) verifySignature(ctx context.Context, pub *rsa.PublicKey, params map[string]string, order []string, caller string) error {
	err := sign.Verify(pub, sign.FieldValues(params, order), params[domain.ParamSignature])
	if err == nil {
		return nil
	}
	_ = g.audit.Emit(ctx, audit.Event{
		Action:    audit.ActionSignatureReject,
		Timestamp: g.clock(),
		AppID:     caller,
	})
	g.logger.WarnContext(ctx, "signature rejected",
		"caller", caller,
		"error", err,
	)
	return domain.WrapError(domain.CodeInvalidSignature, "signature verification failed", err)
}

func (g *Gateway) destroyTicket(ctx context.Context, t *domain.Ticket, reason string) {
	if err := g.tickets.Delete(ctx, t.ID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		g.logger.ErrorContext(ctx, "ticket delete failed", "ticket_id", t.ID, "error", err)
	}
	if g.archive != nil {
		if err := g.archive.Record(ctx, t, reason); err != nil {
			g.logger.WarnContext(ctx, "ticket archive failed", "ticket_id", t.ID, "error", err)
		}
	}
}

func (g *Gateway) loginURL(rid string) string {
	q := url.Values{}
	q.Set(domain.ParamRequest, domain.RequestLogin1)
	q.Set(domain.ParamRID, rid)
	q.Set(domain.ParamServerID, g.serverID)
	return g.baseURL + "/aselect?" + q.Encode()
}

func isTrue(v string) bool {
	return v == "true" || v == "1"
}

// encodeAttributes serializes the attribute bundle as base64 over a
// urlencoded form, matching what attribute-consuming agents expect.
func encodeAttributes(attrs map[string]string) string {
	form := url.Values{}
	for k, v := range attrs {
		form.Set(k, v)
	}
	return base64.StdEncoding.EncodeToString([]byte(form.Encode()))
}
