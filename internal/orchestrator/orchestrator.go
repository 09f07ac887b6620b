// Package orchestrator drives the browser-facing authentication flow: from
// the login1 entry through AuthSP selection and callback to ticket issuance,
// plus direct login, cross-domain entry, privileged ticket creation and
// logout. Every step is keyed by the RID the gateway handed out.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"aselect/internal/authsp"
	"aselect/internal/cross"
	"aselect/internal/domain"
	"aselect/internal/gateway"
	"aselect/internal/platform/config"
	"aselect/internal/platform/metrics"
	"aselect/internal/session"
	"aselect/internal/ticket"
	"aselect/internal/udb"
	"aselect/pkg/platform/audit"
	"aselect/pkg/platform/sentinel"
)

// Outcome tells the transport layer what to do with the browser next.
type Outcome struct {
	// RedirectURL, when set, is answered as a 302.
	RedirectURL string
	// Page, when set, asks the renderer for an HTML form instead.
	Page *Page
	// SetCookie carries a fresh encrypted credentials blob; ClearCookie
	// expires the cookie. At most one of the two is set.
	SetCookie   string
	ClearCookie bool
}

// Page is a server-rendered form: user identification, AuthSP selection,
// direct login or the terminal error page.
type Page struct {
	Template string
	Data     map[string]any
}

// Page template names known to the renderer.
const (
	TemplateUserID      = "user_id"
	TemplateSelect      = "select"
	TemplateDirectLogin = "direct_login"
	TemplateLoggedOut   = "logged_out"
	TemplateError       = "error"
)

// Delegator is the cross-domain dependency; satisfied by *cross.Delegator.
type Delegator interface {
	Delegate(ctx context.Context, sess *domain.Session, remoteOrg string) (*cross.Delegation, error)
	VerifyRemote(ctx context.Context, remoteOrg, credentials, remoteRID string) (map[string]string, error)
	NotifyLogout(ctx context.Context, endpoint string, t *domain.Ticket)
}

// Orchestrator owns the browser state machine.
type Orchestrator struct {
	regs     *config.Registrations
	tickets  ticket.Store
	sessions session.Store
	crypter  *ticket.Crypter
	registry *authsp.Registry
	users    udb.Connector
	peers    Delegator
	archive  gateway.Archiver

	serverID  string
	org       string
	baseURL   string
	ticketTTL time.Duration

	sso              bool
	crossEnabled     bool
	fallbackEnabled  bool
	fallbackOrg      string
	udbEnabled       bool
	alwaysShowSelect bool

	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   audit.Publisher
	clock   func() time.Time
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(c func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithDelegator enables cross-domain delegation.
func WithDelegator(d Delegator) Option {
	return func(o *Orchestrator) { o.peers = d }
}

// WithArchiver enables the ticket archive.
func WithArchiver(a gateway.Archiver) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// New wires the orchestrator.
func New(
	regs *config.Registrations,
	tickets ticket.Store,
	sessions session.Store,
	crypter *ticket.Crypter,
	registry *authsp.Registry,
	users udb.Connector,
	cfg config.AppConfig,
	baseURL string,
	logger *slog.Logger,
	m *metrics.Metrics,
	auditPub audit.Publisher,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		regs:             regs,
		tickets:          tickets,
		sessions:         sessions,
		crypter:          crypter,
		registry:         registry,
		users:            users,
		serverID:         cfg.ServerID,
		org:              cfg.Organization,
		baseURL:          baseURL,
		ticketTTL:        cfg.Ticket.TTL,
		sso:              cfg.Ticket.SingleSignOn,
		crossEnabled:     cfg.Cross.Enabled,
		fallbackEnabled:  cfg.Cross.FallbackEnabled,
		fallbackOrg:      cfg.Cross.FallbackOrg,
		udbEnabled:       cfg.Auth.UDBEnabled,
		alwaysShowSelect: cfg.Auth.AlwaysShowSelect,
		logger:           logger,
		metrics:          m,
		audit:            auditPub,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// loadSession resolves the RID or fails the flow with invalid-request. A
// session that expired mid-flow is the same as an unknown one.
func (o *Orchestrator) loadSession(ctx context.Context, params map[string]string) (*domain.Session, error) {
	if params[domain.ParamServerID] != o.serverID {
		return nil, domain.NewError(domain.CodeServerIDMismatch, "request addressed to a different server")
	}
	rid := params[domain.ParamRID]
	if rid == "" {
		return nil, domain.NewError(domain.CodeInvalidRequest, "rid is required")
	}
	sess, err := o.sessions.Get(ctx, rid)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, domain.NewError(domain.CodeInvalidRequest, "unknown or expired rid")
		}
		return nil, domain.WrapError(domain.CodeInternalError, "load session", err)
	}
	return sess, nil
}

// finish flushes the request's deferred session mutation. A failed flush on a
// success path becomes the caller's error; on a failure path the original
// error wins and the flush problem is only logged.
func (o *Orchestrator) finish(ctx context.Context, tr *session.Tracker, out *Outcome, err error) (*Outcome, error) {
	ferr := tr.Flush(ctx)
	if ferr == nil || errors.Is(ferr, sentinel.ErrNotFound) || errors.Is(ferr, sentinel.ErrDeleted) {
		return out, err
	}
	o.logger.ErrorContext(ctx, "session write failed", "error", ferr)
	if err == nil {
		return nil, domain.WrapError(domain.CodeInternalError, "persist session", ferr)
	}
	return out, err
}

// Login1 is the browser entry point. With a usable existing ticket the whole
// flow short-circuits; otherwise the user is asked to identify.
func (o *Orchestrator) Login1(ctx context.Context, params map[string]string, cookieBlob string) (out *Outcome, err error) {
	sess, err := o.loadSession(ctx, params)
	if err != nil {
		return nil, err
	}
	tr := session.NewTracker(o.sessions)
	defer func() { out, err = o.finish(ctx, tr, out, err) }()

	if remote := o.remoteOrg(sess); remote != "" {
		return o.delegate(ctx, tr, sess, remote)
	}

	// Ticket reuse is a single-sign-on feature; with SSO off every attempt
	// authenticates afresh.
	if o.sso && !sess.ForcedAuthenticate && cookieBlob != "" {
		shortcut, serr := o.ssoShortcut(ctx, tr, sess, cookieBlob)
		if serr != nil {
			return nil, serr
		}
		if shortcut != nil {
			return shortcut, nil
		}
	}

	if sess.ForcedUserID != "" {
		return o.identify(ctx, tr, sess, sess.ForcedUserID)
	}
	return &Outcome{Page: &Page{
		Template: TemplateUserID,
		Data: map[string]any{
			"rid":    sess.RID,
			"server": o.serverID,
		},
	}}, nil
}

// remoteOrg decides whether this session must be handled by a peer server.
func (o *Orchestrator) remoteOrg(sess *domain.Session) string {
	if !o.crossEnabled {
		return ""
	}
	if sess.ForcedOrganization != "" && sess.ForcedOrganization != o.org {
		return sess.ForcedOrganization
	}
	if sess.Organization != "" && sess.Organization != o.org {
		return sess.Organization
	}
	return ""
}

// ssoShortcut reuses an existing ticket when it satisfies the new request.
// A nil, nil return means the cookie does not help and the flow continues
// normally; an error means the attempt died during a fallback delegation.
func (o *Orchestrator) ssoShortcut(ctx context.Context, tr *session.Tracker, sess *domain.Session, cookieBlob string) (*Outcome, error) {
	id, err := o.crypter.Decrypt(cookieBlob)
	if err != nil {
		return nil, nil
	}
	t, err := o.tickets.Get(ctx, id)
	if err != nil || t.Tombstone() {
		return nil, nil
	}
	if t.Organization != o.org {
		// Ticket from a foreign organization: restart the flow as a
		// cross-domain login towards the organization that knows the user.
		if !o.fallbackEnabled {
			return nil, nil
		}
		sess.ForcedOrganization = t.Organization
		tr.MarkUpdated(sess)
		return o.delegate(ctx, tr, sess, t.Organization)
	}

	// The session's user binds the reuse: a forced user id must own the
	// ticket. Level and groups are checked by the store's credentials gate.
	userID := sess.ForcedUserID
	if userID == "" {
		userID = t.UserID
	}
	ok, err := o.tickets.CheckCredentials(ctx, id, userID, o.serverID, sess.EffectiveLevel(), sess.SSOGroups)
	if err != nil || !ok {
		return nil, nil
	}

	// Rebind the ticket to this attempt and hand the browser back.
	t.RID = sess.RID
	t.SelectedLevel = sess.EffectiveLevel()
	if sess.AppID != "" {
		t.PresentedTo(sess.AppID)
	}
	if err := o.tickets.Update(ctx, t); err != nil {
		return nil, nil
	}
	tr.MarkDeleted(sess.RID)

	blob, err := o.crypter.Encrypt(t.ID)
	if err != nil {
		return nil, nil
	}
	return &Outcome{
		RedirectURL: o.returnURL(sess, blob),
		SetCookie:   blob,
	}, nil
}

// Login2 receives the submitted user id and determines the AuthSP candidates.
func (o *Orchestrator) Login2(ctx context.Context, params map[string]string) (out *Outcome, err error) {
	sess, err := o.loadSession(ctx, params)
	if err != nil {
		return nil, err
	}
	tr := session.NewTracker(o.sessions)
	defer func() { out, err = o.finish(ctx, tr, out, err) }()

	uid := sess.ForcedUserID
	if uid == "" {
		uid = params[domain.ParamUID]
	}
	if uid == "" {
		return nil, domain.NewError(domain.CodeInvalidRequest, "uid is required")
	}
	return o.identify(ctx, tr, sess, uid)
}

// identify resolves the user's profile and routes to AuthSP selection, a
// single candidate, or the cross fallback.
func (o *Orchestrator) identify(ctx context.Context, tr *session.Tracker, sess *domain.Session, uid string) (*Outcome, error) {
	if !o.udbEnabled {
		return o.crossFallback(ctx, tr, sess, uid)
	}
	profile, err := o.users.Profile(ctx, uid)
	if err != nil {
		// A dead user database is retried at the fallback organization when
		// one is configured.
		if o.fallbackEnabled && o.fallbackOrg != "" {
			return o.crossFallback(ctx, tr, sess, uid)
		}
		return nil, domain.WrapError(domain.CodeInternalError, "user lookup", err)
	}
	if !profile.Enabled {
		if o.fallbackEnabled && o.fallbackOrg != "" {
			return o.crossFallback(ctx, tr, sess, uid)
		}
		return nil, o.failFlow(ctx, tr, sess, domain.CodeUserNotAllowed)
	}

	candidates := o.eligibleAuthSPs(sess, profile)
	if len(candidates) == 0 {
		return nil, o.failFlow(ctx, tr, sess, domain.CodeInsufficientLevel)
	}

	sess.UserID = uid
	sess.AllowedAuthSPs = candidates
	tr.MarkUpdated(sess)

	if len(candidates) == 1 && !o.alwaysShowSelect {
		for id := range candidates {
			return o.toAuthSP(ctx, tr, sess, id)
		}
	}
	return &Outcome{Page: &Page{
		Template: TemplateSelect,
		Data: map[string]any{
			"rid":     sess.RID,
			"server":  o.serverID,
			"uid":     uid,
			"authsps": candidateList(candidates, o.regs),
		},
	}}, nil
}

// crossFallback restarts the attempt at the fallback organization.
func (o *Orchestrator) crossFallback(ctx context.Context, tr *session.Tracker, sess *domain.Session, uid string) (*Outcome, error) {
	if o.peers == nil || o.fallbackOrg == "" {
		return nil, o.failFlow(ctx, tr, sess, domain.CodeUserNotAllowed)
	}
	sess.ForcedUserID = uid
	sess.ForcedOrganization = o.fallbackOrg
	tr.MarkUpdated(sess)
	return o.delegate(ctx, tr, sess, o.fallbackOrg)
}

// eligibleAuthSPs intersects the user's registered methods with the level
// window of this attempt.
func (o *Orchestrator) eligibleAuthSPs(sess *domain.Session, profile *udb.Profile) map[string]string {
	out := make(map[string]string)
	for id, userData := range profile.AuthSPs {
		sp, ok := o.regs.AuthSPs[id]
		if !ok {
			continue
		}
		if sp.Level < sess.EffectiveLevel() {
			continue
		}
		if sess.MaxLevel > 0 && sp.Level > sess.MaxLevel {
			continue
		}
		if sess.ForcedAuthSP != "" && id != sess.ForcedAuthSP {
			continue
		}
		out[id] = userData
	}
	return out
}

// Login3 acts on the user's AuthSP choice.
func (o *Orchestrator) Login3(ctx context.Context, params map[string]string) (out *Outcome, err error) {
	sess, err := o.loadSession(ctx, params)
	if err != nil {
		return nil, err
	}
	tr := session.NewTracker(o.sessions)
	defer func() { out, err = o.finish(ctx, tr, out, err) }()

	chosen := params[domain.ParamAuthSP]
	if _, ok := sess.AllowedAuthSPs[chosen]; !ok {
		return nil, domain.NewError(domain.CodeInvalidRequest, "authsp not among the candidates")
	}
	return o.toAuthSP(ctx, tr, sess, chosen)
}

// toAuthSP records the choice and redirects the browser to the method.
func (o *Orchestrator) toAuthSP(ctx context.Context, tr *session.Tracker, sess *domain.Session, id string) (*Outcome, error) {
	handler, ok := o.registry.Handler(id)
	if !ok {
		return nil, domain.NewError(domain.CodeInternalError, "no handler for authsp "+id)
	}
	sess.ChosenAuthSP = id
	tr.MarkUpdated(sess)

	redirect, err := handler.BuildRequest(ctx, authsp.Request{
		Session:   sess,
		UserData:  sess.AllowedAuthSPs[id],
		ReturnURL: o.callbackURL(id, sess.RID),
	})
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternalError, "build authsp request", err)
	}
	if len(redirect.FormParams) > 0 {
		return &Outcome{Page: &Page{
			Template: TemplateDirectLogin,
			Data:     map[string]any{"action": redirect.URL, "fields": redirect.FormParams},
		}}, nil
	}
	return &Outcome{RedirectURL: redirect.URL}, nil
}

// DirectLogin1 shows the combined identification and credential form for a
// fixed AuthSP, skipping the selection step.
func (o *Orchestrator) DirectLogin1(ctx context.Context, params map[string]string) (out *Outcome, err error) {
	sess, err := o.loadSession(ctx, params)
	if err != nil {
		return nil, err
	}
	tr := session.NewTracker(o.sessions)
	defer func() { out, err = o.finish(ctx, tr, out, err) }()

	spID := params[domain.ParamAuthSP]
	if _, ok := o.regs.AuthSPs[spID]; !ok {
		return nil, domain.NewError(domain.CodeInvalidRequest, "unknown authsp "+spID)
	}
	sess.DirectAuthSP = spID
	tr.MarkUpdated(sess)
	return &Outcome{Page: &Page{
		Template: TemplateDirectLogin,
		Data: map[string]any{
			"rid":    sess.RID,
			"server": o.serverID,
			"authsp": spID,
		},
	}}, nil
}

// DirectLogin2 forwards the submitted form straight to the fixed AuthSP's
// verifier, bypassing the redirect leg.
func (o *Orchestrator) DirectLogin2(ctx context.Context, params map[string]string) (out *Outcome, err error) {
	sess, err := o.loadSession(ctx, params)
	if err != nil {
		return nil, err
	}
	tr := session.NewTracker(o.sessions)
	defer func() { out, err = o.finish(ctx, tr, out, err) }()

	spID := sess.DirectAuthSP
	if spID == "" {
		spID = params[domain.ParamAuthSP]
	}
	handler, ok := o.registry.Handler(spID)
	if !ok {
		return nil, domain.NewError(domain.CodeInvalidRequest, "unknown authsp "+spID)
	}
	verdict, err := handler.VerifyCallback(ctx, params)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternalError, "verify direct login", err)
	}
	return o.settle(ctx, tr, sess, spID, verdict)
}

// CrossLogin enters the flow from a foreign organization's browser leg.
func (o *Orchestrator) CrossLogin(ctx context.Context, params map[string]string) (out *Outcome, err error) {
	sess, err := o.loadSession(ctx, params)
	if err != nil {
		return nil, err
	}
	tr := session.NewTracker(o.sessions)
	defer func() { out, err = o.finish(ctx, tr, out, err) }()

	remote := params[domain.ParamRemoteOrganization]
	if remote == "" || remote == o.org {
		return nil, domain.NewError(domain.CodeInvalidRequest, "remote_organization is required")
	}
	sess.ForcedOrganization = remote
	tr.MarkUpdated(sess)
	return o.delegate(ctx, tr, sess, remote)
}

// delegate hands the attempt to a peer. Peer failure destroys the session:
// the application must start over, there is no local retry.
func (o *Orchestrator) delegate(ctx context.Context, tr *session.Tracker, sess *domain.Session, remote string) (*Outcome, error) {
	if o.peers == nil || !o.crossEnabled {
		return nil, o.failFlow(ctx, tr, sess, domain.CodeCrossUnavailable)
	}
	d, err := o.peers.Delegate(ctx, sess, remote)
	if err != nil {
		tr.MarkDeleted(sess.RID)
		return nil, err
	}
	sess.RemoteRID = d.RemoteRID
	tr.MarkUpdated(sess)
	return &Outcome{RedirectURL: d.RedirectURL}, nil
}

// RemoteReturn handles the browser coming back from a peer server with that
// server's credentials. The peer is asked to verify them server-to-server;
// success mints a local ticket marked with the authenticating organization.
func (o *Orchestrator) RemoteReturn(ctx context.Context, params map[string]string) (out *Outcome, err error) {
	sess, err := o.loadSession(ctx, params)
	if err != nil {
		return nil, err
	}
	tr := session.NewTracker(o.sessions)
	defer func() { out, err = o.finish(ctx, tr, out, err) }()

	// Issuance already happened for this RID: a refreshed return leg answers
	// with the same redirect instead of asking the peer again.
	if sess.TicketID != "" {
		blob, berr := o.crypter.Encrypt(sess.TicketID)
		if berr != nil {
			return nil, domain.WrapError(domain.CodeInternalError, "encrypt credentials", berr)
		}
		return &Outcome{RedirectURL: o.returnURL(sess, blob), SetCookie: blob}, nil
	}

	remote := sess.ForcedOrganization
	if remote == "" || remote == o.org {
		remote = sess.Organization
	}
	if remote == "" || remote == o.org || o.peers == nil {
		return nil, domain.NewError(domain.CodeInvalidRequest, "session was never delegated")
	}
	credentials := params[domain.ParamCredentials]
	if credentials == "" {
		return nil, domain.NewError(domain.CodeInvalidRequest, "aselect_credentials is required")
	}

	resp, err := o.peers.VerifyRemote(ctx, remote, credentials, sess.RemoteRID)
	if err != nil {
		return nil, o.failFlow(ctx, tr, sess, domain.CodeOf(err))
	}

	level := atoiDefault(resp[domain.ParamASPLevel], 0)
	if level < sess.EffectiveLevel() {
		return nil, o.failFlow(ctx, tr, sess, domain.CodeInsufficientLevel)
	}

	now := o.clock()
	t := &domain.Ticket{
		UserID:            resp[domain.ParamUID],
		Organization:      resp[domain.ParamOrganization],
		ProxyOrganization: remote,
		AuthSPID:          resp[domain.ParamASP],
		AuthSPLevel:       level,
		SelectedLevel:     sess.EffectiveLevel(),
		AppID:             sess.AppID,
		RID:               sess.RID,
		SSOGroups:         sess.SSOGroups,
		ResultCode:        domain.CodeSuccess,
		ExpiresAt:         now.Add(o.ticketTTL),
	}
	if sess.AppID != "" {
		t.PresentedTo(sess.AppID)
	}
	id, err := o.tickets.Create(ctx, t)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternalError, "mint ticket", err)
	}
	sess.TicketID = id
	tr.MarkUpdated(sess)

	o.metrics.TicketsIssued.Inc()
	_ = o.audit.Emit(ctx, audit.Event{
		Action:           audit.ActionTicketIssued,
		Timestamp:        now,
		RID:              sess.RID,
		TicketID:         id,
		UserID:           t.UserID,
		AppID:            sess.AppID,
		Organization:     t.Organization,
		PeerOrganization: remote,
	})

	blob, err := o.crypter.Encrypt(id)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternalError, "encrypt credentials", err)
	}
	return &Outcome{RedirectURL: o.returnURL(sess, blob), SetCookie: blob}, nil
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// CreateTGT mints a ticket directly for a privileged application, outside any
// AuthSP flow.
func (o *Orchestrator) CreateTGT(ctx context.Context, params map[string]string) (out *Outcome, err error) {
	sess, err := o.loadSession(ctx, params)
	if err != nil {
		return nil, err
	}
	tr := session.NewTracker(o.sessions)
	defer func() { out, err = o.finish(ctx, tr, out, err) }()

	app, ok := o.regs.Applications[sess.AppID]
	if !ok || !app.Privileged {
		return nil, o.failFlow(ctx, tr, sess, domain.CodeUserNotAllowed)
	}
	uid := params[domain.ParamUID]
	if uid == "" {
		uid = sess.ForcedUserID
	}
	if uid == "" {
		return nil, domain.NewError(domain.CodeInvalidRequest, "uid is required")
	}
	return o.issue(ctx, tr, sess, &authsp.Verdict{
		OK:         true,
		UserID:     uid,
		Level:      sess.EffectiveLevel(),
		ResultCode: domain.CodeSuccess,
	}, "")
}

// Logout destroys the browser's ticket and notifies every application it was
// presented to.
func (o *Orchestrator) Logout(ctx context.Context, cookieBlob string) (*Outcome, error) {
	out := &Outcome{
		ClearCookie: true,
		Page:        &Page{Template: TemplateLoggedOut, Data: map[string]any{}},
	}
	if cookieBlob == "" {
		return out, nil
	}
	id, err := o.crypter.Decrypt(cookieBlob)
	if err != nil {
		return out, nil
	}
	t, err := o.tickets.Get(ctx, id)
	if err != nil {
		return out, nil
	}

	if o.peers != nil {
		for _, appID := range t.SSOSession {
			app, ok := o.regs.Applications[appID]
			if !ok || app.LogoutURL == "" {
				continue
			}
			o.peers.NotifyLogout(ctx, app.LogoutURL, t)
		}
	}
	o.destroyTicket(ctx, t, "logout")
	o.metrics.TicketsKilled.Inc()
	_ = o.audit.Emit(ctx, audit.Event{
		Action:    audit.ActionLogout,
		Timestamp: o.clock(),
		TicketID:  t.ID,
		UserID:    t.UserID,
	})
	return out, nil
}

// HandleAuthSPError is the cancel/error callback from an AuthSP. The failure
// travels to the application as a tombstone ticket, never as a dead end in the
// browser.
func (o *Orchestrator) HandleAuthSPError(ctx context.Context, params map[string]string) (out *Outcome, err error) {
	sess, err := o.loadSession(ctx, params)
	if err != nil {
		return nil, err
	}
	tr := session.NewTracker(o.sessions)
	defer func() { out, err = o.finish(ctx, tr, out, err) }()

	code, _ := domain.ParseResultCode(params[domain.ParamResultCode])
	if code == "" || code.OK() {
		code = domain.CodeUserCancelled
	}
	if code == domain.CodeUserCancelled {
		_ = o.audit.Emit(ctx, audit.Event{
			Action:    audit.ActionUserCancelled,
			Timestamp: o.clock(),
			RID:       sess.RID,
			AppID:     sess.AppID,
		})
	}
	return nil, o.failFlow(ctx, tr, sess, code)
}

// AuthSPCallback handles the AuthSP's success-path return.
func (o *Orchestrator) AuthSPCallback(ctx context.Context, spID string, params map[string]string) (out *Outcome, err error) {
	sess, err := o.loadSession(ctx, params)
	if err != nil {
		return nil, err
	}
	tr := session.NewTracker(o.sessions)
	defer func() { out, err = o.finish(ctx, tr, out, err) }()

	if sess.ChosenAuthSP != spID {
		return nil, domain.NewError(domain.CodeInvalidRequest, "callback from an authsp this attempt never chose")
	}

	// Issuance already happened for this RID: the callback is a replay,
	// answer with the same redirect instead of minting twice.
	if sess.TicketID != "" {
		blob, berr := o.crypter.Encrypt(sess.TicketID)
		if berr != nil {
			return nil, domain.WrapError(domain.CodeInternalError, "encrypt credentials", berr)
		}
		return &Outcome{RedirectURL: o.returnURL(sess, blob), SetCookie: blob}, nil
	}

	handler, ok := o.registry.Handler(spID)
	if !ok {
		return nil, domain.NewError(domain.CodeInternalError, "no handler for authsp "+spID)
	}
	verdict, err := handler.VerifyCallback(ctx, params)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternalError, "verify callback", err)
	}
	return o.settle(ctx, tr, sess, spID, verdict)
}

// settle turns an AuthSP verdict into issuance, chaining or failure.
func (o *Orchestrator) settle(ctx context.Context, tr *session.Tracker, sess *domain.Session, spID string, verdict *authsp.Verdict) (*Outcome, error) {
	o.metrics.AuthSPVerdicts.WithLabelValues(spID, verdictLabel(verdict)).Inc()

	if !verdict.OK {
		code := verdict.ResultCode
		if code == "" || code.OK() {
			code = domain.CodeInternalError
		}
		if verdict.Soft {
			// Recoverable user-data problem: the application is told via a
			// tombstone, same as a hard failure, but the audit trail differs.
			_ = o.audit.Emit(ctx, audit.Event{
				Action:     audit.ActionAuthFailed,
				Timestamp:  o.clock(),
				RID:        sess.RID,
				AuthSPID:   spID,
				ResultCode: string(code),
			})
		}
		return nil, o.failFlow(ctx, tr, sess, code)
	}

	if verdict.Level < sess.EffectiveLevel() {
		return nil, o.failFlow(ctx, tr, sess, domain.CodeInsufficientLevel)
	}

	// Chained second factor: the first success only advances the flow.
	if sess.NextAuthSP != "" && spID != sess.NextAuthSP {
		next := sess.NextAuthSP
		app := o.regs.Applications[sess.AppID]
		if app != nil && app.NextAuthSPEntryLevel > 0 {
			sess.ForcedLevel = app.NextAuthSPEntryLevel
		}
		sess.UserID = verdict.UserID
		if sess.AllowedAuthSPs == nil {
			sess.AllowedAuthSPs = map[string]string{}
		}
		sess.AllowedAuthSPs[next] = ""
		return o.toAuthSP(ctx, tr, sess, next)
	}

	return o.issue(ctx, tr, sess, verdict, spID)
}

// issue mints the ticket, marks the session and sends the browser home.
func (o *Orchestrator) issue(ctx context.Context, tr *session.Tracker, sess *domain.Session, verdict *authsp.Verdict, spID string) (*Outcome, error) {
	now := o.clock()
	userID := verdict.UserID
	if userID == "" {
		userID = sess.UserID
	}
	t := &domain.Ticket{
		UserID:        userID,
		Organization:  o.org,
		AuthSPID:      spID,
		AuthSPLevel:   verdict.Level,
		SelectedLevel: sess.EffectiveLevel(),
		AppID:         sess.AppID,
		RID:           sess.RID,
		SSOGroups:     sess.SSOGroups,
		ResultCode:    domain.CodeSuccess,
		Attributes:    verdict.Attributes,
		ExpiresAt:     now.Add(o.ticketTTL),
	}
	if sess.AppID != "" {
		t.PresentedTo(sess.AppID)
	}

	id, err := o.tickets.Create(ctx, t)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternalError, "mint ticket", err)
	}

	// The session stays behind carrying the issuance marker: a replayed
	// callback for this RID answers with the same redirect instead of
	// minting twice. The TTL sweep retires it.
	sess.TicketID = id
	tr.MarkUpdated(sess)

	o.metrics.TicketsIssued.Inc()
	_ = o.audit.Emit(ctx, audit.Event{
		Action:       audit.ActionTicketIssued,
		Timestamp:    now,
		RID:          sess.RID,
		TicketID:     id,
		UserID:       userID,
		AppID:        sess.AppID,
		Organization: t.Organization,
		AuthSPID:     spID,
	})

	blob, err := o.crypter.Encrypt(id)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternalError, "encrypt credentials", err)
	}
	return &Outcome{RedirectURL: o.returnURL(sess, blob), SetCookie: blob}, nil
}

// failFlow mints a tombstone carrying the failure code, retires the session
// and returns the protocol error the transport renders. The application learns
// the outcome through verify_credentials, exactly once.
func (o *Orchestrator) failFlow(ctx context.Context, tr *session.Tracker, sess *domain.Session, code domain.ResultCode) error {
	now := o.clock()
	t := &domain.Ticket{
		AppID:      sess.AppID,
		RID:        sess.RID,
		ResultCode: code,
		ExpiresAt:  now.Add(o.ticketTTL),
	}
	if _, err := o.tickets.Create(ctx, t); err != nil {
		o.logger.ErrorContext(ctx, "tombstone mint failed", "rid", sess.RID, "error", err)
	}
	tr.MarkDeleted(sess.RID)
	_ = o.audit.Emit(ctx, audit.Event{
		Action:     audit.ActionAuthFailed,
		Timestamp:  now,
		RID:        sess.RID,
		AppID:      sess.AppID,
		ResultCode: string(code),
	})
	return domain.NewError(code, "authentication flow failed")
}

func (o *Orchestrator) destroyTicket(ctx context.Context, t *domain.Ticket, reason string) {
	if err := o.tickets.Delete(ctx, t.ID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		o.logger.ErrorContext(ctx, "ticket delete failed", "ticket_id", t.ID, "error", err)
	}
	if o.archive != nil {
		if err := o.archive.Record(ctx, t, reason); err != nil {
			o.logger.WarnContext(ctx, "ticket archive failed", "ticket_id", t.ID, "error", err)
		}
	}
}

// returnURL decides where an issued credential goes: back to the application,
// or back to the originating peer server for cross-domain sessions.
func (o *Orchestrator) returnURL(sess *domain.Session, blob string) string {
	if sess.LocalOrganization != "" && sess.LocalServerURL != "" {
		q := url.Values{}
		q.Set(domain.ParamRID, sess.RID)
		q.Set(domain.ParamCredentials, blob)
		return sess.LocalServerURL + "?" + q.Encode()
	}
	return appReturnURL(sess, blob)
}

func appReturnURL(sess *domain.Session, blob string) string {
	sep := "?"
	if u, err := url.Parse(sess.AppURL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	q := url.Values{}
	q.Set(domain.ParamRID, sess.RID)
	q.Set(domain.ParamCredentials, blob)
	return sess.AppURL + sep + q.Encode()
}

// callbackURL is where an AuthSP sends the browser when done.
func (o *Orchestrator) callbackURL(spID, rid string) string {
	q := url.Values{}
	q.Set(domain.ParamAuthSP, spID)
	q.Set(domain.ParamRID, rid)
	q.Set(domain.ParamServerID, o.serverID)
	return o.baseURL + "/aselect?" + q.Encode()
}

func verdictLabel(v *authsp.Verdict) string {
	switch {
	case v.OK:
		return "ok"
	case v.Soft:
		return "soft_fail"
	default:
		return "fail"
	}
}

func candidateList(candidates map[string]string, regs *config.Registrations) []map[string]any {
	out := make([]map[string]any, 0, len(candidates))
	for id := range candidates {
		sp := regs.AuthSPs[id]
		out = append(out, map[string]any{"id": id, "level": sp.Level})
	}
	return out
}
