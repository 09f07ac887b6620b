// Package sign implements the detached-signature scheme of the peer and
// application API contract: the values of a fixed, caller-ordered set of
// request fields are concatenated (absent fields omitted, never encoded as
// empty strings) and signed with SHA1-and-RSA. The base64 signature travels
// in the signature parameter.
//
// Ordering is part of the protocol. A signature over the right values in the
// wrong order must not verify.
package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrMissingSignature is returned when signing is configured as required
	// and the signature parameter is absent. Hard rejection, never a warning.
	ErrMissingSignature = errors.New("signature required but absent")
	// ErrBadSignature is returned when the signature does not verify.
	ErrBadSignature = errors.New("signature verification failed")
)

// Sign concatenates the ordered field values and produces a base64
// SHA1-with-RSA signature.
func Sign(key *rsa.PrivateKey, orderedFields []string) (string, error) {
	digest := digestOf(orderedFields)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest)
	if err != nil {
		return "", fmt.Errorf("sign fields: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a detached signature against the concatenation of the ordered
// field values. The caller supplies fields in the exact order the signer used.
func Verify(pub *rsa.PublicKey, orderedFields []string, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	digest := digestOf(orderedFields)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest, raw); err != nil {
		return ErrBadSignature
	}
	return nil
}

func digestOf(orderedFields []string) []byte {
	h := sha1.New()
	for _, f := range orderedFields {
		h.Write([]byte(f))
	}
	return h.Sum(nil)
}
