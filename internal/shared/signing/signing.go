// Package signing provides HMAC-SHA256 payload signing for outbound
// webhooks and the per-config secret derivation behind it.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// HeaderPrefix precedes the hex digest in the signature header.
const HeaderPrefix = "sha256="

// SecretSize is the length in bytes of a derived per-config secret.
const SecretSize = 32

// Signer creates and verifies HMAC-SHA256 signatures.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes the hex HMAC-SHA256 of body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header returns the signature in header form ("sha256=<hex>").
func (s *Signer) Header(body []byte) string {
	return HeaderPrefix + s.Sign(body)
}

// Verify checks a signature (bare hex or header form) matches body.
func (s *Signer) Verify(body []byte, signature string) error {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, HeaderPrefix))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// DeriveConfigSecret derives the webhook secret for one alert config from
// the server master key. The owner id salts the derivation so a config id
// reused across owners never yields the same secret.
func DeriveConfigSecret(masterKey []byte, ownerID, configID string) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key is empty")
	}
	r := hkdf.New(sha256.New, masterKey, []byte(ownerID), []byte("flarealert-webhook|"+configID))
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("derive secret: %w", err)
	}
	return secret, nil
}
