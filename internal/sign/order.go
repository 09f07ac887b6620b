package sign

import "aselect/internal/domain"

// Protocol field orders. These mirror what signers concatenate on their side;
// changing any of them breaks interoperability.
var (
	// AppAuthenticateOrder signs an application's authenticate call.
	AppAuthenticateOrder = []string{
		domain.ParamServerID,
		domain.ParamAppID,
		domain.ParamAppURL,
		domain.ParamCountry,
		domain.ParamForcedLogon,
		domain.ParamLanguage,
		domain.ParamRemoteOrganization,
		domain.ParamRequiredLevel,
		domain.ParamUID,
	}

	// PeerAuthenticateOrder signs a peer server's authenticate call.
	PeerAuthenticateOrder = []string{
		domain.ParamServerID,
		domain.ParamCountry,
		domain.ParamForcedLogon,
		domain.ParamLanguage,
		domain.ParamLocalASURL,
		domain.ParamLocalOrganization,
		domain.ParamRequiredLevel,
		domain.ParamUID,
	}

	// VerifyCredentialsOrder signs verify_credentials.
	VerifyCredentialsOrder = []string{
		domain.ParamServerID,
		domain.ParamCredentials,
		domain.ParamRID,
	}

	// CryptedCredentialsOrder signs kill_tgt and upgrade_tgt.
	CryptedCredentialsOrder = []string{
		domain.ParamServerID,
		domain.ParamCryptedCredentials,
	}
)

// FieldValues projects the request parameters onto an order, omitting fields
// the caller did not send. Omission (not empty-string inclusion) is what the
// remote signer does, so both sides stay in sync.
func FieldValues(params map[string]string, order []string) []string {
	values := make([]string, 0, len(order))
	for _, name := range order {
		if v, ok := params[name]; ok && v != "" {
			values = append(values, v)
		}
	}
	return values
}
