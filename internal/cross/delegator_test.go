package cross

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"aselect/internal/domain"
	"aselect/internal/platform/config"
	"aselect/internal/platform/metrics"
	"aselect/internal/sign"
	"aselect/pkg/platform/audit"
	"aselect/pkg/platform/sentinel"
)

type fakeCaller struct {
	lastEndpoint string
	lastParams   map[string]string
	response     map[string]string
	err          error
}

func (f *fakeCaller) Call(_ context.Context, endpoint string, params map[string]string) (map[string]string, error) {
	f.lastEndpoint = endpoint
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

type DelegatorSuite struct {
	suite.Suite
	caller    *fakeCaller
	audit     *audit.MemoryPublisher
	key       *rsa.PrivateKey
	delegator *Delegator
	regs      *config.Registrations
}

func TestDelegatorSuite(t *testing.T) {
	suite.Run(t, new(DelegatorSuite))
}

var sharedMetrics = metrics.New()

func (s *DelegatorSuite) SetupTest() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	s.key = key

	s.caller = &fakeCaller{response: map[string]string{
		domain.ParamResultCode:  string(domain.CodeSuccess),
		domain.ParamRID:         "abcdef012345abcdef012345",
		domain.ParamRedirectURL: "https://remote.example.org/aselect",
	}}
	s.audit = audit.NewMemoryPublisher()
	s.regs = &config.Registrations{
		Peers: map[string]*config.Peer{
			"remote.org": {
				Organization: "remote.org",
				ServerID:     "aselect.remote.org",
				ServerURL:    "https://remote.example.org/aselect",
			},
		},
	}
	s.delegator = NewDelegator(
		s.regs, s.caller, key,
		"local.org", "https://local.example.org",
		slog.New(slog.NewTextHandler(testWriter{s.T()}, nil)),
		sharedMetrics, s.audit,
	)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func (s *DelegatorSuite) session() *domain.Session {
	return &domain.Session{
		RID:           "1111222233334444aaaabbbb",
		Organization:  "remote.org",
		AppID:         "portal",
		RequiredLevel: 2,
	}
}

func (s *DelegatorSuite) TestDelegateSuccess() {
	d, err := s.delegator.Delegate(context.Background(), s.session(), "remote.org")
	s.Require().NoError(err)

	s.Equal("abcdef012345abcdef012345", d.RemoteRID)
	u, err := url.Parse(d.RedirectURL)
	s.Require().NoError(err)
	q := u.Query()
	s.Equal(domain.RequestLogin1, q.Get(domain.ParamRequest))
	s.Equal("abcdef012345abcdef012345", q.Get(domain.ParamRID))
	s.Equal("aselect.remote.org", q.Get(domain.ParamServerID))

	s.Equal("https://remote.example.org/aselect", s.caller.lastEndpoint)
	s.Equal("local.org", s.caller.lastParams[domain.ParamLocalOrganization])
	s.Equal("https://local.example.org/aselect", s.caller.lastParams[domain.ParamLocalASURL])
	s.Equal("2", s.caller.lastParams[domain.ParamRequiredLevel])
	s.Empty(s.caller.lastParams[domain.ParamSignature], "peer does not require signing")

	events := s.audit.Events()
	s.Require().Len(events, 1)
	s.Equal(audit.ActionCrossDelegated, events[0].Action)
	s.Equal("remote.org", events[0].PeerOrganization)
}

func (s *DelegatorSuite) TestDelegateSignsWhenPeerRequires() {
	peer := s.regs.Peers["remote.org"]
	peer.RequireSigning = true

	_, err := s.delegator.Delegate(context.Background(), s.session(), "remote.org")
	s.Require().NoError(err)

	sig := s.caller.lastParams[domain.ParamSignature]
	s.Require().NotEmpty(sig)
	fields := sign.FieldValues(s.caller.lastParams, sign.PeerAuthenticateOrder)
	s.NoError(sign.Verify(&s.key.PublicKey, fields, sig))
}

func (s *DelegatorSuite) TestDelegateForwardsOverrides() {
	sess := s.session()
	sess.ForcedUserID = "jdoe"
	sess.ForcedAuthenticate = true
	sess.CountryCode = "nl"
	sess.LanguageCode = "nl"

	_, err := s.delegator.Delegate(context.Background(), sess, "remote.org")
	s.Require().NoError(err)

	s.Equal("jdoe", s.caller.lastParams[domain.ParamUID])
	s.Equal("true", s.caller.lastParams[domain.ParamForcedLogon])
	s.Equal("nl", s.caller.lastParams[domain.ParamCountry])
}

func (s *DelegatorSuite) TestDelegateUnknownPeer() {
	_, err := s.delegator.Delegate(context.Background(), s.session(), "nowhere.org")
	s.Equal(domain.CodeCrossUnavailable, domain.CodeOf(err))
	s.Empty(s.audit.Events())
}

func (s *DelegatorSuite) TestDelegatePeerUnreachable() {
	s.caller.err = sentinel.ErrUnavailable

	_, err := s.delegator.Delegate(context.Background(), s.session(), "remote.org")
	s.Equal(domain.CodeCrossUnavailable, domain.CodeOf(err))
	s.True(errors.Is(err, sentinel.ErrUnavailable))

	events := s.audit.Events()
	s.Require().Len(events, 1)
	s.Equal(audit.ActionCrossFailed, events[0].Action)
}

func (s *DelegatorSuite) TestDelegatePeerErrorCode() {
	s.caller.response = map[string]string{
		domain.ParamResultCode: string(domain.CodeInternalError),
	}

	_, err := s.delegator.Delegate(context.Background(), s.session(), "remote.org")
	s.Equal(domain.CodeCrossUnavailable, domain.CodeOf(err))
}

func (s *DelegatorSuite) TestDelegateIncompleteResponse() {
	s.caller.response = map[string]string{
		domain.ParamResultCode: string(domain.CodeSuccess),
		domain.ParamRID:        "abcdef012345abcdef012345",
	}

	_, err := s.delegator.Delegate(context.Background(), s.session(), "remote.org")
	s.Equal(domain.CodeCrossUnavailable, domain.CodeOf(err))
}

func (s *DelegatorSuite) TestVerifyRemote() {
	s.caller.response = map[string]string{
		domain.ParamResultCode:   string(domain.CodeSuccess),
		domain.ParamUID:          "rdoe",
		domain.ParamOrganization: "remote.org",
		domain.ParamASPLevel:     "3",
	}
	resp, err := s.delegator.VerifyRemote(context.Background(), "remote.org", "remote-blob", "remote-rid")
	s.Require().NoError(err)
	s.Equal("rdoe", resp[domain.ParamUID])

	s.Equal(domain.RequestVerifyCredentials, s.caller.lastParams[domain.ParamRequest])
	s.Equal("local.org", s.caller.lastParams[domain.ParamLocalOrganization])
	s.Equal("remote-blob", s.caller.lastParams[domain.ParamCredentials])
	s.Equal("remote-rid", s.caller.lastParams[domain.ParamRID])
	s.Equal("aselect.remote.org", s.caller.lastParams[domain.ParamServerID])
}

func (s *DelegatorSuite) TestVerifyRemoteSignsWhenPeerRequires() {
	s.regs.Peers["remote.org"].RequireSigning = true
	s.caller.response = map[string]string{domain.ParamResultCode: string(domain.CodeSuccess)}

	_, err := s.delegator.VerifyRemote(context.Background(), "remote.org", "remote-blob", "remote-rid")
	s.Require().NoError(err)

	sig := s.caller.lastParams[domain.ParamSignature]
	s.Require().NotEmpty(sig)
	fields := sign.FieldValues(s.caller.lastParams, sign.VerifyCredentialsOrder)
	s.NoError(sign.Verify(&s.key.PublicKey, fields, sig))
}

func (s *DelegatorSuite) TestVerifyRemotePreservesPeerVerdict() {
	s.caller.response = map[string]string{
		domain.ParamResultCode: string(domain.CodeUserCancelled),
	}
	_, err := s.delegator.VerifyRemote(context.Background(), "remote.org", "remote-blob", "remote-rid")
	s.Equal(domain.CodeUserCancelled, domain.CodeOf(err))
}

func (s *DelegatorSuite) TestSessionSyncPropagatesFailure() {
	s.caller.err = sentinel.ErrUnavailable
	err := s.delegator.SessionSync(context.Background(), "https://remote.example.org/sync", &domain.Ticket{UserID: "jdoe"})
	s.Equal(domain.CodeCrossUnavailable, domain.CodeOf(err))
}

func (s *DelegatorSuite) TestNotifyLogoutSwallowsFailure() {
	s.caller.err = sentinel.ErrUnavailable
	s.NotPanics(func() {
		s.delegator.NotifyLogout(context.Background(), "https://sp.example.org/logout", &domain.Ticket{UserID: "jdoe"})
	})
}

func TestParseResponse(t *testing.T) {
	got, err := ParseResponse("result_code=0000&rid=abc&as_url=https%3A%2F%2Fx.example.org%2Faselect\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["result_code"] != "0000" || got["rid"] != "abc" {
		t.Fatalf("bad parse: %v", got)
	}
	if got["as_url"] != "https://x.example.org/aselect" {
		t.Fatalf("url not decoded: %q", got["as_url"])
	}
}
