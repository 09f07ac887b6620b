// Package cross implements the federation handshake: delegating a browser's
// authentication to the A-Select server of another organization over the
// signed peer API contract.
package cross

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"aselect/internal/domain"
	"aselect/internal/platform/config"
	"aselect/internal/platform/metrics"
	"aselect/internal/sign"
	"aselect/pkg/platform/audit"
)

var tracer = otel.Tracer("aselect/cross")

// Delegation is a successful remote authenticate call: where to send the
// browser so the peer's own login flow takes over.
type Delegation struct {
	RemoteRID   string
	RedirectURL string
}

// Delegator builds, signs and sends the peer authenticate call. There is no
// local retry: peer failure propagates and the caller application retries at
// its own layer.
type Delegator struct {
	regs       *config.Registrations
	caller     PeerCaller
	signingKey *rsa.PrivateKey

	myOrg     string
	myBaseURL string

	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   audit.Publisher
}

// NewDelegator wires the delegator. signingKey may be nil when no peer
// requires signing.
func NewDelegator(
	regs *config.Registrations,
	caller PeerCaller,
	signingKey *rsa.PrivateKey,
	myOrg, myBaseURL string,
	logger *slog.Logger,
	m *metrics.Metrics,
	auditPub audit.Publisher,
) *Delegator {
	return &Delegator{
		regs:       regs,
		caller:     caller,
		signingKey: signingKey,
		myOrg:      myOrg,
		myBaseURL:  myBaseURL,
		logger:     logger,
		metrics:    m,
		audit:      auditPub,
	}
}

// Delegate performs the remote authenticate call for a session whose target
// organization is not ours.
func (d *Delegator) Delegate(ctx context.Context, sess *domain.Session, remoteOrg string) (*Delegation, error) {
	ctx, span := tracer.Start(ctx, "cross.Delegate",
		trace.WithAttributes(attribute.String("peer.organization", remoteOrg)))
	defer span.End()

	peer, ok := d.regs.Peers[remoteOrg]
	if !ok {
		return nil, domain.NewError(domain.CodeCrossUnavailable,
			fmt.Sprintf("no trust record for organization %s", remoteOrg))
	}

	params := map[string]string{
		domain.ParamRequest:           domain.RequestAuthenticate,
		domain.ParamServerID:          peer.ServerID,
		domain.ParamLocalOrganization: d.myOrg,
		domain.ParamLocalASURL:        d.myBaseURL + "/aselect",
		domain.ParamRequiredLevel:     strconv.Itoa(sess.RequiredLevel),
	}
	if sess.ForcedUserID != "" {
		params[domain.ParamUID] = sess.ForcedUserID
	} else if sess.UserID != "" {
		params[domain.ParamUID] = sess.UserID
	}
	if sess.ForcedAuthenticate {
		params[domain.ParamForcedLogon] = "true"
	}
	if sess.CountryCode != "" {
		params[domain.ParamCountry] = sess.CountryCode
	}
	if sess.LanguageCode != "" {
		params[domain.ParamLanguage] = sess.LanguageCode
	}

	if peer.RequireSigning {
		if d.signingKey == nil {
			return nil, domain.NewError(domain.CodeInternalError, "peer requires signing but no signing key configured")
		}
		sig, err := sign.Sign(d.signingKey, sign.FieldValues(params, sign.PeerAuthenticateOrder))
		if err != nil {
			return nil, domain.WrapError(domain.CodeInternalError, "sign peer call", err)
		}
		params[domain.ParamSignature] = sig
	}

	start := time.Now()
	response, err := d.caller.Call(ctx, peer.ServerURL, params)
	d.metrics.PeerCallDuration.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	if err != nil {
		d.failed(ctx, sess, remoteOrg, err)
		return nil, domain.WrapError(domain.CodeCrossUnavailable, "peer unreachable", err)
	}

	code, _ := domain.ParseResultCode(response[domain.ParamResultCode])
	if !code.OK() {
		d.failed(ctx, sess, remoteOrg, fmt.Errorf("peer result code %s", code))
		return nil, domain.NewError(domain.CodeCrossUnavailable,
			fmt.Sprintf("peer %s answered %s", remoteOrg, code))
	}

	remoteRID := response[domain.ParamRID]
	remoteURL := response[domain.ParamRedirectURL]
	if remoteRID == "" || remoteURL == "" {
		d.failed(ctx, sess, remoteOrg, fmt.Errorf("peer response missing rid or as_url"))
		return nil, domain.NewError(domain.CodeCrossUnavailable, "incomplete peer response")
	}

	redirect, err := loginRedirect(remoteURL, remoteRID, peer.ServerID)
	if err != nil {
		return nil, domain.WrapError(domain.CodeCrossUnavailable, "malformed peer redirect", err)
	}

	_ = d.audit.Emit(ctx, audit.Event{
		Action:           audit.ActionCrossDelegated,
		Timestamp:        time.Now(),
		RID:              sess.RID,
		Organization:     d.myOrg,
		PeerOrganization: remoteOrg,
	})

	return &Delegation{RemoteRID: remoteRID, RedirectURL: redirect}, nil
}

// VerifyRemote exchanges credentials the browser brought back from a peer for
// the verified identity, over the peer's signed verify_credentials operation.
func (d *Delegator) VerifyRemote(ctx context.Context, remoteOrg, credentials, remoteRID string) (map[string]string, error) {
	ctx, span := tracer.Start(ctx, "cross.VerifyRemote",
		trace.WithAttributes(attribute.String("peer.organization", remoteOrg)))
	defer span.End()

	peer, ok := d.regs.Peers[remoteOrg]
	if !ok {
		return nil, domain.NewError(domain.CodeCrossUnavailable,
			fmt.Sprintf("no trust record for organization %s", remoteOrg))
	}
	params := map[string]string{
		domain.ParamRequest:           domain.RequestVerifyCredentials,
		domain.ParamServerID:          peer.ServerID,
		domain.ParamLocalOrganization: d.myOrg,
		domain.ParamCredentials:       credentials,
		domain.ParamRID:               remoteRID,
	}
	if peer.RequireSigning {
		if d.signingKey == nil {
			return nil, domain.NewError(domain.CodeInternalError, "peer requires signing but no signing key configured")
		}
		sig, err := sign.Sign(d.signingKey, sign.FieldValues(params, sign.VerifyCredentialsOrder))
		if err != nil {
			return nil, domain.WrapError(domain.CodeInternalError, "sign peer call", err)
		}
		params[domain.ParamSignature] = sig
	}

	start := time.Now()
	response, err := d.caller.Call(ctx, peer.ServerURL, params)
	d.metrics.PeerCallDuration.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	if err != nil {
		return nil, domain.WrapError(domain.CodeCrossUnavailable, "peer unreachable", err)
	}
	code, _ := domain.ParseResultCode(response[domain.ParamResultCode])
	if !code.OK() {
		// The peer's verdict travels through untouched: a cancelled user on
		// the remote side is a cancelled user here.
		return nil, domain.NewError(code, fmt.Sprintf("peer %s rejected credentials", remoteOrg))
	}
	return response, nil
}

// SessionSync notifies the configured federation partner that a ticket is
// about to be refreshed. Failure is fatal for the upgrade: refresh only
// happens after a successful sync.
func (d *Delegator) SessionSync(ctx context.Context, syncURL string, t *domain.Ticket) error {
	ctx, span := tracer.Start(ctx, "cross.SessionSync")
	defer span.End()

	_, err := d.caller.Call(ctx, syncURL, map[string]string{
		domain.ParamRequest:      domain.RequestUpgradeTGT,
		domain.ParamUID:          t.UserID,
		domain.ParamOrganization: t.Organization,
	})
	if err != nil {
		return domain.WrapError(domain.CodeCrossUnavailable, "session sync failed", err)
	}
	return nil
}

// NotifyLogout tells one SSO participant that a ticket died. Best effort:
// errors are logged, never propagated, so one dead SP cannot block logout.
func (d *Delegator) NotifyLogout(ctx context.Context, endpoint string, t *domain.Ticket) {
	_, err := d.caller.Call(ctx, endpoint, map[string]string{
		domain.ParamRequest:      domain.RequestKillTGT,
		domain.ParamUID:          t.UserID,
		domain.ParamOrganization: t.Organization,
	})
	if err != nil {
		d.logger.WarnContext(ctx, "logout notification failed",
			"endpoint", endpoint,
			"error", err,
		)
	}
}

func (d *Delegator) failed(ctx context.Context, sess *domain.Session, remoteOrg string, err error) {
	d.logger.ErrorContext(ctx, "cross-domain delegation failed",
		"rid", sess.RID,
		"peer_organization", remoteOrg,
		"error", err,
	)
	_ = d.audit.Emit(ctx, audit.Event{
		Action:           audit.ActionCrossFailed,
		Timestamp:        time.Now(),
		RID:              sess.RID,
		Organization:     d.myOrg,
		PeerOrganization: remoteOrg,
	})
}

func loginRedirect(baseURL, rid, serverID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(domain.ParamRequest, domain.RequestLogin1)
	q.Set(domain.ParamRID, rid)
	q.Set(domain.ParamServerID, serverID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
