package http

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"aselect/internal/authsp"
	"aselect/internal/domain"
	"aselect/internal/gateway"
	jwttoken "aselect/internal/jwt_token"
	"aselect/internal/orchestrator"
	"aselect/internal/platform/config"
	"aselect/internal/platform/metrics"
	"aselect/internal/session"
	"aselect/internal/ticket"
	"aselect/internal/udb"
	"aselect/pkg/platform/audit"
)

const (
	testServerID = "aselect.example.org"
	testOrg      = "example.org"
)

var testMetrics = metrics.New()

type EndToEndSuite struct {
	suite.Suite

	server   *httptest.Server
	client   *http.Client
	tickets  *ticket.InMemoryStore
	sessions *session.InMemoryStore
	jwt      *jwttoken.JWTService
}

func TestEndToEndSuite(t *testing.T) {
	suite.Run(t, new(EndToEndSuite))
}

func (s *EndToEndSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	regs := &config.Registrations{
		Applications: map[string]*config.Application{
			"portal": {ID: "portal", RequiredLevel: 2},
		},
		AuthSPs: map[string]*config.AuthSP{
			"password": {ID: "password", Type: "remote", Level: 2, Endpoint: "https://password.example.org/auth"},
		},
		Peers: map[string]*config.Peer{},
	}

	registry := authsp.NewRegistry()
	registry.RegisterType("remote", authsp.NewRemoteHandler)
	s.Require().NoError(registry.Build(regs))

	s.tickets = ticket.NewInMemoryStore(testServerID, 4*time.Hour)
	s.sessions = session.NewInMemoryStore(15 * time.Minute)
	crypter, err := ticket.NewCrypter("e2e-cookie-secret")
	s.Require().NoError(err)
	auditPub := audit.NewMemoryPublisher()

	cfg := config.AppConfig{ServerID: testServerID, Organization: testOrg}
	cfg.Ticket.TTL = 4 * time.Hour
	cfg.Ticket.SingleSignOn = true
	cfg.Session.TTL = 15 * time.Minute
	cfg.Auth.UDBEnabled = true
	cfg.Cookie = config.CookieConfig{Path: "/", Secure: false, Secret: "e2e-cookie-secret"}

	users := udb.NewStaticConnector(map[string]*udb.Profile{
		"jdoe": {UserID: "jdoe", Enabled: true, AuthSPs: map[string]string{"password": ""}},
	})

	baseURL := "http://aselect.example.org"
	gw := gateway.New(regs, s.tickets, s.sessions, crypter, cfg, baseURL, logger, testMetrics, auditPub)
	orch := orchestrator.New(regs, s.tickets, s.sessions, crypter, registry, users, cfg, baseURL, logger, testMetrics, auditPub)

	s.jwt = jwttoken.NewJWTService("e2e-admin-key", "aselect")
	protocol := NewHandler(gw, orch, cfg.Cookie, testServerID, logger, testMetrics)
	admin := NewAdminHandler(s.tickets, s.sessions, logger)

	s.server = httptest.NewServer(NewRouter(RouterDeps{
		Handler:      protocol,
		Admin:        admin,
		JWTValidator: jwttoken.NewJWTServiceAdapter(s.jwt),
		Logger:       logger,
	}))
	s.client = &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *EndToEndSuite) TearDownTest() {
	s.server.Close()
}

// apiCall posts a form to /aselect and decodes the urlencoded answer.
func (s *EndToEndSuite) apiCall(params url.Values) url.Values {
	resp, err := s.client.PostForm(s.server.URL+"/aselect", params)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode, "api responses are always 200")

	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	decoded, err := url.ParseQuery(string(body))
	s.Require().NoError(err)
	return decoded
}

func (s *EndToEndSuite) browserGet(query url.Values, cookie *http.Cookie) *http.Response {
	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/aselect?"+query.Encode(), nil)
	s.Require().NoError(err)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := s.client.Do(req)
	s.Require().NoError(err)
	return resp
}

func credentialsCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == domain.CookieName {
			return c
		}
	}
	return nil
}

// authenticate runs the app-side start and returns the RID.
func (s *EndToEndSuite) authenticate() string {
	resp := s.apiCall(url.Values{
		domain.ParamRequest:  {domain.RequestAuthenticate},
		domain.ParamServerID: {testServerID},
		domain.ParamAppID:    {"portal"},
		domain.ParamAppURL:   {"https://portal.example.org/return"},
	})
	s.Require().Equal(string(domain.CodeSuccess), resp.Get(domain.ParamResultCode))
	s.Require().NotEmpty(resp.Get(domain.ParamRID))
	return resp.Get(domain.ParamRID)
}

// runBrowserFlow walks login1 through the AuthSP callback and returns the
// final redirect plus the credentials cookie.
func (s *EndToEndSuite) runBrowserFlow(rid string) (*url.URL, *http.Cookie) {
	resp := s.browserGet(url.Values{
		domain.ParamRequest:  {domain.RequestLogin1},
		domain.ParamRID:      {rid},
		domain.ParamServerID: {testServerID},
	}, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	s.Require().NoError(err)
	s.Require().Contains(string(body), `name="request" value="login2"`, "login1 must serve the identification form")

	// Submit the form; a single candidate goes straight to the AuthSP.
	resp = s.browserGet(url.Values{
		domain.ParamRequest:  {domain.RequestLogin2},
		domain.ParamRID:      {rid},
		domain.ParamServerID: {testServerID},
		domain.ParamUID:      {"jdoe"},
	}, nil)
	resp.Body.Close()
	s.Require().Equal(http.StatusFound, resp.StatusCode)
	spURL, err := url.Parse(resp.Header.Get("Location"))
	s.Require().NoError(err)
	s.Require().Equal("password.example.org", spURL.Host)

	// The AuthSP approves and sends the browser back to its as_url.
	back, err := url.Parse(spURL.Query().Get(domain.ParamRedirectURL))
	s.Require().NoError(err)
	cb := back.Query()
	cb.Set(domain.ParamResultCode, string(domain.CodeSuccess))
	cb.Set(domain.ParamUID, "jdoe")
	resp = s.browserGet(cb, nil)
	resp.Body.Close()
	s.Require().Equal(http.StatusFound, resp.StatusCode)

	final, err := url.Parse(resp.Header.Get("Location"))
	s.Require().NoError(err)
	cookie := credentialsCookie(resp)
	s.Require().NotNil(cookie)
	return final, cookie
}

func (s *EndToEndSuite) TestFullAuthenticationFlow() {
	rid := s.authenticate()
	final, cookie := s.runBrowserFlow(rid)

	s.Equal("portal.example.org", final.Host)
	s.Equal(rid, final.Query().Get(domain.ParamRID))
	credentials := final.Query().Get(domain.ParamCredentials)
	s.Require().NotEmpty(credentials)
	s.Equal(credentials, cookie.Value)

	verify := s.apiCall(url.Values{
		domain.ParamRequest:     {domain.RequestVerifyCredentials},
		domain.ParamServerID:    {testServerID},
		domain.ParamRID:         {rid},
		domain.ParamCredentials: {credentials},
	})
	s.Equal(string(domain.CodeSuccess), verify.Get(domain.ParamResultCode))
	s.Equal("jdoe", verify.Get(domain.ParamUID))
	s.Equal(testOrg, verify.Get(domain.ParamOrganization))
}

func (s *EndToEndSuite) TestVerifyWithForeignRIDRejected() {
	rid := s.authenticate()
	final, _ := s.runBrowserFlow(rid)

	verify := s.apiCall(url.Values{
		domain.ParamRequest:     {domain.RequestVerifyCredentials},
		domain.ParamServerID:    {testServerID},
		domain.ParamRID:         {"somebody-elses-rid"},
		domain.ParamCredentials: {final.Query().Get(domain.ParamCredentials)},
	})
	s.Equal(string(domain.CodeTGTNotValid), verify.Get(domain.ParamResultCode))
}

func (s *EndToEndSuite) TestSSOShortcutSecondApp() {
	rid := s.authenticate()
	_, cookie := s.runBrowserFlow(rid)

	rid2 := s.authenticate()
	resp := s.browserGet(url.Values{
		domain.ParamRequest:  {domain.RequestLogin1},
		domain.ParamRID:      {rid2},
		domain.ParamServerID: {testServerID},
	}, cookie)
	resp.Body.Close()
	s.Require().Equal(http.StatusFound, resp.StatusCode)

	final, err := url.Parse(resp.Header.Get("Location"))
	s.Require().NoError(err)
	s.Equal("portal.example.org", final.Host, "existing ticket must short-circuit the flow")
	s.Equal(rid2, final.Query().Get(domain.ParamRID))
}

func (s *EndToEndSuite) TestKillTGTTwice() {
	rid := s.authenticate()
	final, _ := s.runBrowserFlow(rid)
	credentials := final.Query().Get(domain.ParamCredentials)

	kill := url.Values{
		domain.ParamRequest:            {domain.RequestKillTGT},
		domain.ParamServerID:           {testServerID},
		domain.ParamCryptedCredentials: {credentials},
	}
	first := s.apiCall(kill)
	s.Equal(string(domain.CodeSuccess), first.Get(domain.ParamResultCode))

	second := s.apiCall(kill)
	s.Equal(string(domain.CodeUnknownTGT), second.Get(domain.ParamResultCode))
}

func (s *EndToEndSuite) TestWrongServerID() {
	resp := s.apiCall(url.Values{
		domain.ParamRequest:  {domain.RequestAuthenticate},
		domain.ParamServerID: {"other.server"},
		domain.ParamAppID:    {"portal"},
		domain.ParamAppURL:   {"https://portal.example.org"},
	})
	s.Equal(string(domain.CodeServerIDMismatch), resp.Get(domain.ParamResultCode))
}

func (s *EndToEndSuite) TestSOAPAnswersInvalidRequest() {
	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/aselect",
		strings.NewReader(`<soap:Envelope/>`))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "text/xml")

	resp, err := s.client.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	decoded, err := url.ParseQuery(string(body))
	s.Require().NoError(err)
	s.Equal(string(domain.CodeInvalidRequest), decoded.Get(domain.ParamResultCode))
}

func (s *EndToEndSuite) TestUserCancelReachesApplication() {
	rid := s.authenticate()

	resp := s.browserGet(url.Values{
		domain.ParamRequest:    {domain.RequestError},
		domain.ParamRID:        {rid},
		domain.ParamServerID:   {testServerID},
		domain.ParamResultCode: {string(domain.CodeUserCancelled)},
	}, nil)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	// The tombstone waits for the application; wrong RIDs cannot consume it,
	// but without credentials the app learns the code on the next verify.
	body, _ := io.ReadAll(resp.Body)
	s.Contains(string(body), string(domain.CodeUserCancelled))
}

func (s *EndToEndSuite) TestLogoutClearsCookie() {
	rid := s.authenticate()
	_, cookie := s.runBrowserFlow(rid)

	resp := s.browserGet(url.Values{
		domain.ParamRequest:  {domain.RequestLogout},
		domain.ParamServerID: {testServerID},
	}, cookie)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	cleared := credentialsCookie(resp)
	s.Require().NotNil(cleared)
	s.True(cleared.MaxAge < 0, "logout must expire the cookie")
}

func (s *EndToEndSuite) TestAdminRequiresToken() {
	resp, err := s.client.Get(s.server.URL + "/admin/stats")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	token, err := s.jwt.GenerateToken("ops", "admin", time.Hour)
	s.Require().NoError(err)
	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/admin/stats", nil)
	s.Require().NoError(err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = s.client.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Contains(string(body), "tickets")
}

func (s *EndToEndSuite) TestHealthz() {
	resp, err := s.client.Get(s.server.URL + "/healthz")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}
