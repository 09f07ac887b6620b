package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publicKeyYAML(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	raw, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: raw}))
	return strings.ReplaceAll(strings.TrimRight(pemText, "\n"), "\n", "\n      ")
}

func TestParseRegistrations(t *testing.T) {
	yaml := `
applications:
  - id: portal
    required_level: 2
    max_level: 5
    sso_groups: [intranet, office]
    privileged: false
    logout_url: https://portal.example.org/slo
  - id: vault
    required_level: 4
    require_signing: true
    next_authsp: otp
    next_authsp_entry_level: 2
    public_key: |
      ` + publicKeyYAML(t) + `
authsps:
  - id: password
    type: remote
    level: 2
    endpoint: https://password.example.org/auth
peers:
  - organization: remote.org
    server_id: aselect.remote.org
    server_url: https://remote.example.org/aselect
users:
  - uid: jdoe
    enabled: true
    authsps:
      password: ""
`
	regs, err := ParseRegistrations([]byte(yaml))
	require.NoError(t, err)

	portal := regs.Applications["portal"]
	require.NotNil(t, portal)
	assert.Equal(t, 2, portal.RequiredLevel)
	assert.Equal(t, []string{"intranet", "office"}, portal.SSOGroups)
	assert.Equal(t, "https://portal.example.org/slo", portal.LogoutURL)
	assert.Nil(t, portal.PublicKey())

	vault := regs.Applications["vault"]
	require.NotNil(t, vault)
	assert.True(t, vault.RequireSigning)
	assert.NotNil(t, vault.PublicKey())
	assert.Equal(t, "otp", vault.NextAuthSP)
	assert.Equal(t, 2, vault.NextAuthSPEntryLevel)

	assert.Equal(t, 2, regs.AuthSPs["password"].Level)
	assert.Equal(t, "aselect.remote.org", regs.Peers["remote.org"].ServerID)
	require.NotNil(t, regs.Users["jdoe"])
	assert.True(t, regs.Users["jdoe"].Enabled)
}

func TestParseRegistrationsRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"application without id": `
applications:
  - required_level: 2
`,
		"signing without key": `
applications:
  - id: vault
    require_signing: true
`,
		"authsp without type": `
authsps:
  - id: password
`,
		"peer without server_url": `
peers:
  - organization: remote.org
`,
		"user without uid": `
users:
  - enabled: true
`,
		"garbage key": `
applications:
  - id: vault
    public_key: not-a-pem-block
`,
	}
	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRegistrations([]byte(yaml))
			assert.Error(t, err)
		})
	}
}
