package authsp

import (
	"context"
	"net/url"

	"aselect/internal/domain"
	"aselect/internal/platform/config"
)

// RemoteHandler is the generic redirect-based handler: it hands the browser
// to the AuthSP's own endpoint and trusts the protocol-specific verification
// that endpoint performs before it redirects back. Concrete AuthSP protocol
// handlers (password, OTP, PKI) wrap or replace this.
type RemoteHandler struct {
	sp *config.AuthSP
}

// NewRemoteHandler is the Factory for type "remote".
func NewRemoteHandler(sp *config.AuthSP) (Handler, error) {
	return &RemoteHandler{sp: sp}, nil
}

func (h *RemoteHandler) BuildRequest(_ context.Context, req Request) (*Redirect, error) {
	q := url.Values{}
	q.Set(domain.ParamRID, req.Session.RID)
	q.Set(domain.ParamRedirectURL, req.ReturnURL)
	if req.Session.UserID != "" {
		q.Set(domain.ParamUID, req.Session.UserID)
	}
	if req.Session.CountryCode != "" {
		q.Set(domain.ParamCountry, req.Session.CountryCode)
	}
	if req.Session.LanguageCode != "" {
		q.Set(domain.ParamLanguage, req.Session.LanguageCode)
	}
	return &Redirect{URL: h.sp.Endpoint + "?" + q.Encode()}, nil
}

func (h *RemoteHandler) VerifyCallback(_ context.Context, params map[string]string) (*Verdict, error) {
	code, _ := domain.ParseResultCode(params[domain.ParamResultCode])
	if !code.OK() {
		return &Verdict{OK: false, ResultCode: code}, nil
	}
	return &Verdict{
		OK:         true,
		UserID:     params[domain.ParamUID],
		Level:      h.sp.Level,
		ResultCode: domain.CodeSuccess,
	}, nil
}
