package ticket

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Crypter seals the ticket id into the opaque value the browser carries in
// the aselect_credentials cookie. The cookie never holds the record, only the
// encrypted id; user id and server id are always looked up server-side.
type Crypter struct {
	aead cipher.AEAD
}

var errBadBlob = errors.New("malformed credentials blob")

const cookieKeyInfo = "aselect-credentials-cookie-v1"

// NewCrypter derives a 256-bit AES-GCM key from the configured cookie secret
// via HKDF-SHA256, so the raw secret never acts as a key directly.
func NewCrypter(secret string) (*Crypter, error) {
	if secret == "" {
		return nil, errors.New("cookie secret must not be empty")
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(cookieKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive cookie key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Crypter{aead: aead}, nil
}

// Encrypt seals a ticket id into a URL-safe blob.
func (c *Crypter) Encrypt(ticketID string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(ticketID), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob back into the ticket id. Any tampering, truncation or
// wrong-key blob yields the same opaque error; callers answer "unknown
// ticket", never a parse diagnostic.
func (c *Crypter) Decrypt(blob string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return "", errBadBlob
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errBadBlob
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errBadBlob
	}
	return string(plain), nil
}
