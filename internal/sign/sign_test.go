package sign

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/suite"

	"aselect/internal/domain"
)

type SignSuite struct {
	suite.Suite
	key *rsa.PrivateKey
}

func (s *SignSuite) SetupSuite() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	s.key = key
}

func TestSignSuite(t *testing.T) {
	suite.Run(t, new(SignSuite))
}

func (s *SignSuite) TestRoundTrip() {
	fields := []string{"server-1", "app-1", "https://app.example.org/return", "10"}

	sig, err := Sign(s.key, fields)
	s.Require().NoError(err)

	s.NoError(Verify(&s.key.PublicKey, fields, sig))
}

func (s *SignSuite) TestFieldOrderSensitivity() {
	fields := []string{"server-1", "app-1", "https://app.example.org/return"}
	sig, err := Sign(s.key, fields)
	s.Require().NoError(err)

	s.Run("swapped order fails even with correct values", func() {
		swapped := []string{"app-1", "server-1", "https://app.example.org/return"}
		s.ErrorIs(Verify(&s.key.PublicKey, swapped, sig), ErrBadSignature)
	})

	s.Run("extra field fails", func() {
		extra := append(append([]string{}, fields...), "nl")
		s.ErrorIs(Verify(&s.key.PublicKey, extra, sig), ErrBadSignature)
	})

	s.Run("missing field fails", func() {
		s.ErrorIs(Verify(&s.key.PublicKey, fields[:2], sig), ErrBadSignature)
	})
}

func (s *SignSuite) TestMissingSignatureHardRejects() {
	err := Verify(&s.key.PublicKey, []string{"a"}, "")
	s.ErrorIs(err, ErrMissingSignature)
}

func (s *SignSuite) TestGarbageSignature() {
	s.ErrorIs(Verify(&s.key.PublicKey, []string{"a"}, "not-base64!!"), ErrBadSignature)
	s.ErrorIs(Verify(&s.key.PublicKey, []string{"a"}, "YWJj"), ErrBadSignature)
}

func (s *SignSuite) TestFieldValuesOmitsAbsentFields() {
	params := map[string]string{
		domain.ParamServerID:      "server-1",
		domain.ParamAppID:         "app-1",
		domain.ParamAppURL:        "https://app.example.org/return",
		domain.ParamRequiredLevel: "10",
		// country, forced_logon, language, remote_organization, uid absent
	}

	values := FieldValues(params, AppAuthenticateOrder)
	s.Equal([]string{"server-1", "app-1", "https://app.example.org/return", "10"}, values)
}

func (s *SignSuite) TestOptionalFieldChangesSignature() {
	base := map[string]string{
		domain.ParamServerID:      "server-1",
		domain.ParamAppID:         "app-1",
		domain.ParamAppURL:        "https://app.example.org/return",
		domain.ParamRequiredLevel: "10",
	}
	withUID := map[string]string{
		domain.ParamServerID:      "server-1",
		domain.ParamAppID:         "app-1",
		domain.ParamAppURL:        "https://app.example.org/return",
		domain.ParamRequiredLevel: "10",
		domain.ParamUID:           "jdoe",
	}

	sig, err := Sign(s.key, FieldValues(base, AppAuthenticateOrder))
	s.Require().NoError(err)

	// Signer omitted uid; a verifier that includes it must fail.
	s.ErrorIs(Verify(&s.key.PublicKey, FieldValues(withUID, AppAuthenticateOrder), sig), ErrBadSignature)
}
