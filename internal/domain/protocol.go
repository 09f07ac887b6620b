package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// Wire parameter names, preserved exactly for drop-in compatibility.
const (
	ParamRequest            = "request"
	ParamServerID           = "a-select-server"
	ParamRID                = "rid"
	ParamAppID              = "app_id"
	ParamAppURL             = "app_url"
	ParamUID                = "uid"
	ParamAuthSP             = "authsp"
	ParamForcedLogon        = "forced_logon"
	ParamForcedAuthenticate = "forced_authenticate"
	ParamCountry            = "country"
	ParamLanguage           = "language"
	ParamLevel              = "level"
	ParamRequiredLevel      = "required_level"
	ParamLocalASURL         = "local_as_url"
	ParamLocalOrganization  = "local_organization"
	ParamRemoteOrganization = "remote_organization"
	ParamSignature          = "signature"
	ParamCredentials        = "aselect_credentials"
	ParamCryptedCredentials = "crypted_credentials"
	ParamTGTBlob            = "tgt_blob"
	ParamResultCode         = "result_code"
	ParamRedirectURL        = "as_url"
	ParamOrganization       = "organization"
	ParamUserID             = "user_id"
	ParamAppLevel           = "app_level"
	ParamASPLevel           = "authsp_level"
	ParamASP                = "asp"
	ParamTGTExpTime         = "tgt_exp_time"
	ParamAttributes         = "attributes"
)

// Request values understood by the classifier and dispatchers.
const (
	RequestAuthenticate      = "authenticate"
	RequestVerifyCredentials = "verify_credentials"
	RequestKillTGT           = "kill_tgt"
	RequestUpgradeTGT        = "upgrade_tgt"
	RequestGetAppLevel       = "get_app_level"
	RequestLogin1            = "login1"
	RequestLogin2            = "login2"
	RequestLogin3            = "login3"
	RequestDirectLogin1      = "direct_login1"
	RequestDirectLogin2      = "direct_login2"
	RequestCrossLogin        = "cross_login"
	RequestCreateTGT         = "create_tgt"
	RequestLogout            = "logout"
	RequestError             = "error"
)

// CookieName carries the encrypted ticket id and nothing else.
const CookieName = "aselect_credentials"

const (
	ridBytes    = 12
	ticketBytes = 16
)

// NewRID returns the correlation id for one authentication attempt:
// 96 bits of randomness, lowercase hex.
func NewRID() string {
	return randomHex(ridBytes)
}

// NewTicketID returns a fresh TGT id: 128 bits of randomness, lowercase hex.
func NewTicketID() string {
	return randomHex(ticketBytes)
}

func randomHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never fails on supported platforms.
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
