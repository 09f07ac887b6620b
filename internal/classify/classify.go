// Package classify is the sole perimeter check before any business logic
// runs: every inbound request is assigned an origin, a kind and a transport
// protocol, and every downstream handler trusts that assignment.
package classify

import (
	"net/http"
	"strings"

	"aselect/internal/domain"
)

// Origin identifies who sent the request.
type Origin int

const (
	OriginUnknown Origin = iota
	OriginApplication
	OriginAuthSP
	OriginPeerServer
	OriginUser
)

func (o Origin) String() string {
	switch o {
	case OriginApplication:
		return "application"
	case OriginAuthSP:
		return "authsp"
	case OriginPeerServer:
		return "peer_server"
	case OriginUser:
		return "user"
	default:
		return "unknown"
	}
}

// Kind separates signed server-to-server calls from browser traffic.
type Kind int

const (
	KindSignedAPICall Kind = iota
	KindBrowserRequest
)

func (k Kind) String() string {
	if k == KindSignedAPICall {
		return "signed_api_call"
	}
	return "browser_request"
}

// Protocol is the transport encoding of the request.
type Protocol int

const (
	ProtocolCGI Protocol = iota
	ProtocolSOAP11
	ProtocolSOAP12
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSOAP11:
		return "soap1.1"
	case ProtocolSOAP12:
		return "soap1.2"
	default:
		return "cgi"
	}
}

// Result is the classification verdict.
type Result struct {
	Origin   Origin
	Kind     Kind
	Protocol Protocol
}

// Request is the transport-agnostic input: method, content type and the
// well-known parameters, presence included.
type Request struct {
	Method      string
	ContentType string
	Params      map[string]string
}

func (r Request) has(name string) bool {
	_, ok := r.Params[name]
	return ok
}

// Classify applies the perimeter rules in order; first match wins.
func Classify(r Request) Result {
	ct := r.ContentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if r.Method == http.MethodPost {
		switch ct {
		case "text/xml":
			return Result{OriginApplication, KindSignedAPICall, ProtocolSOAP11}
		case "application/soap+xml":
			return Result{OriginApplication, KindSignedAPICall, ProtocolSOAP12}
		}
	}

	request := r.Params[domain.ParamRequest]
	switch request {
	case domain.RequestAuthenticate, domain.RequestVerifyCredentials, domain.RequestUpgradeTGT:
		origin := OriginApplication
		if r.has(domain.ParamLocalOrganization) {
			origin = OriginPeerServer
		}
		return Result{origin, KindSignedAPICall, ProtocolCGI}
	case domain.RequestKillTGT, domain.RequestGetAppLevel:
		return Result{OriginApplication, KindSignedAPICall, ProtocolCGI}
	case domain.RequestLogin1, domain.RequestCrossLogin, domain.RequestDirectLogin1,
		domain.RequestDirectLogin2, domain.RequestCreateTGT:
		return Result{OriginApplication, KindBrowserRequest, ProtocolCGI}
	case domain.RequestError:
		return Result{OriginAuthSP, KindBrowserRequest, ProtocolCGI}
	}

	if request == "" {
		if r.has(domain.ParamAuthSP) {
			return Result{OriginAuthSP, KindBrowserRequest, ProtocolCGI}
		}
		if r.has(domain.ParamCredentials) {
			return Result{OriginPeerServer, KindBrowserRequest, ProtocolCGI}
		}
	}

	return Result{OriginUser, KindBrowserRequest, ProtocolCGI}
}
