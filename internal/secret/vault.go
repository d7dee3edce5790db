// Package secret encrypts credential fields at rest. Ciphertexts are
// self-describing strings so a column can hold plaintext from older
// rows during migration without ambiguity.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "enc:v1:"

// ErrBadCiphertext is returned when a stored value cannot be decrypted.
var ErrBadCiphertext = errors.New("secret: malformed or undecryptable ciphertext")

// Vault seals and opens credential fields with an AEAD bound to the
// field encryption key.
type Vault struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewVault builds a vault from a 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secret: bad key: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts a plaintext into the enc:v1: envelope.
func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Open decrypts an enc:v1: envelope. Values without the envelope are
// returned as-is, treating them as legacy plaintext.
func (v *Vault) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, prefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil {
		return "", ErrBadCiphertext
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrBadCiphertext
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrBadCiphertext
	}
	return string(plain), nil
}

// IsSealed reports whether a stored value carries the envelope.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, prefix)
}

// Mask returns a display form of a secret keeping only the first and
// last two characters.
func Mask(s string) string {
	if len(s) <= 6 {
		return "***"
	}
	return s[:2] + "***" + s[len(s)-2:]
}
