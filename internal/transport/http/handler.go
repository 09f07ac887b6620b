// Package http is the transport layer: one protocol endpoint dispatching on
// the classified request, plus health, metrics and admin surfaces.
package http

import (
	"log/slog"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"aselect/internal/classify"
	"aselect/internal/domain"
	"aselect/internal/gateway"
	"aselect/internal/orchestrator"
	"aselect/internal/platform/config"
	"aselect/internal/platform/metrics"
	"aselect/internal/platform/middleware"
)

var tracer = otel.Tracer("aselect/transport")

// Handler serves the /aselect protocol endpoint.
type Handler struct {
	gateway *gateway.Gateway
	orch    *orchestrator.Orchestrator
	cookie  config.CookieConfig

	serverID string

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler wires the protocol endpoint.
func NewHandler(
	gw *gateway.Gateway,
	orch *orchestrator.Orchestrator,
	cookie config.CookieConfig,
	serverID string,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		gateway:  gw,
		orch:     orch,
		cookie:   cookie,
		serverID: serverID,
		logger:   logger,
		metrics:  m,
	}
}

// ServeASelect is the single protocol endpoint. Query and form parameters are
// merged (form wins) and the classified request decides the handling path.
func (h *Handler) ServeASelect(w http.ResponseWriter, r *http.Request) {
	params := requestParams(r)
	result := classify.Classify(classify.Request{
		Method:      r.Method,
		ContentType: r.Header.Get("Content-Type"),
		Params:      params,
	})

	ctx, span := tracer.Start(r.Context(), "aselect.dispatch", trace.WithAttributes(
		attribute.String("aselect.origin", result.Origin.String()),
		attribute.String("aselect.kind", result.Kind.String()),
		attribute.String("aselect.request", params[domain.ParamRequest]),
	))
	defer span.End()
	r = r.WithContext(ctx)

	// SOAP callers are recognized but not served; the bridge lives outside
	// this server.
	if result.Protocol != classify.ProtocolCGI {
		h.writeParams(w, map[string]string{
			domain.ParamResultCode: string(domain.CodeInvalidRequest),
		})
		return
	}

	if result.Kind == classify.KindSignedAPICall {
		h.serveAPI(w, r, result, params)
		return
	}
	h.serveBrowser(w, r, params)
}

// serveAPI answers signed server-to-server calls: urlencoded body, HTTP 200
// always, result_code is the outcome channel.
func (h *Handler) serveAPI(w http.ResponseWriter, r *http.Request, result classify.Result, params map[string]string) {
	op := params[domain.ParamRequest]
	var (
		resp map[string]string
		err  error
	)
	switch op {
	case domain.RequestAuthenticate:
		if result.Origin == classify.OriginPeerServer {
			resp, err = h.gateway.AuthenticatePeer(r.Context(), params)
		} else {
			resp, err = h.gateway.AuthenticateApp(r.Context(), params)
		}
	case domain.RequestVerifyCredentials:
		resp, err = h.gateway.VerifyCredentials(r.Context(), params)
	case domain.RequestKillTGT:
		resp, err = h.gateway.KillTGT(r.Context(), params)
	case domain.RequestUpgradeTGT:
		resp, err = h.gateway.UpgradeTGT(r.Context(), params)
	case domain.RequestGetAppLevel:
		resp, err = h.gateway.GetAppLevel(r.Context(), params)
	default:
		err = domain.NewError(domain.CodeInvalidRequest, "unknown api operation "+op)
	}

	code := domain.CodeOf(err)
	if err != nil {
		h.logger.InfoContext(r.Context(), "api call failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"operation", op,
			"result_code", string(code),
		)
		resp = map[string]string{domain.ParamResultCode: string(code)}
	}
	h.metrics.APIRequests.WithLabelValues(op, string(code)).Inc()
	h.writeParams(w, resp)
}

// serveBrowser dispatches the browser-facing flow steps.
func (h *Handler) serveBrowser(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var (
		out *orchestrator.Outcome
		err error
	)
	switch params[domain.ParamRequest] {
	case domain.RequestLogin1:
		out, err = h.orch.Login1(r.Context(), params, h.cookieBlob(r))
	case domain.RequestLogin2:
		out, err = h.orch.Login2(r.Context(), params)
	case domain.RequestLogin3:
		out, err = h.orch.Login3(r.Context(), params)
	case domain.RequestDirectLogin1:
		out, err = h.orch.DirectLogin1(r.Context(), params)
	case domain.RequestDirectLogin2:
		out, err = h.orch.DirectLogin2(r.Context(), params)
	case domain.RequestCrossLogin:
		out, err = h.orch.CrossLogin(r.Context(), params)
	case domain.RequestCreateTGT:
		out, err = h.orch.CreateTGT(r.Context(), params)
	case domain.RequestLogout:
		out, err = h.orch.Logout(r.Context(), h.cookieBlob(r))
	case domain.RequestError:
		out, err = h.orch.HandleAuthSPError(r.Context(), params)
	case "":
		switch {
		case params[domain.ParamAuthSP] != "":
			out, err = h.orch.AuthSPCallback(r.Context(), params[domain.ParamAuthSP], params)
		case params[domain.ParamCredentials] != "":
			out, err = h.orch.RemoteReturn(r.Context(), params)
		default:
			err = domain.NewError(domain.CodeInvalidRequest, "nothing to do")
		}
	default:
		err = domain.NewError(domain.CodeInvalidRequest, "unknown browser request")
	}

	if err != nil {
		h.renderError(w, r, domain.CodeOf(err))
		return
	}
	h.renderOutcome(w, r, out)
}

func (h *Handler) renderOutcome(w http.ResponseWriter, r *http.Request, out *orchestrator.Outcome) {
	if out.SetCookie != "" {
		http.SetCookie(w, h.credentialsCookie(out.SetCookie, 0))
	} else if out.ClearCookie {
		http.SetCookie(w, h.credentialsCookie("", -1))
	}
	if out.RedirectURL != "" {
		http.Redirect(w, r, out.RedirectURL, http.StatusFound)
		return
	}
	if out.Page != nil {
		h.renderPage(w, out.Page)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, code domain.ResultCode) {
	h.logger.InfoContext(r.Context(), "browser flow failed",
		"request_id", middleware.GetRequestID(r.Context()),
		"result_code", string(code),
	)
	h.renderPage(w, &orchestrator.Page{
		Template: orchestrator.TemplateError,
		Data:     map[string]any{"code": string(code)},
	})
}

// writeParams serializes an API response as a urlencoded body. Encode sorts
// keys, which keeps responses byte-stable for callers that log or diff them.
func (h *Handler) writeParams(w http.ResponseWriter, params map[string]string) {
	body := url.Values{}
	for k, v := range params {
		body.Set(k, v)
	}
	body.Set(domain.ParamServerID, h.serverID)

	w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body.Encode()))
}

func (h *Handler) cookieBlob(r *http.Request) string {
	c, err := r.Cookie(domain.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handler) credentialsCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     domain.CookieName,
		Value:    value,
		Domain:   h.cookie.Domain,
		Path:     h.cookie.Path,
		Secure:   h.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

// requestParams merges query and form parameters; the form wins on conflict.
func requestParams(r *http.Request) map[string]string {
	params := make(map[string]string)
	for k := range r.URL.Query() {
		params[k] = r.URL.Query().Get(k)
	}
	if err := r.ParseForm(); err == nil {
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
	}
	return params
}
