// Package vault resolves cipher-text secrets from declarations. Secrets
// stay encrypted at rest and in every logged or traced payload; only the
// in-memory copy handed to an active consumer or poller is plaintext.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/blheatwole/f5-telemetry-streaming/errors"
)

// SecretClass is the class tag of declaration secret objects.
const SecretClass = "Secret"

// Secret is a declaration field holding protected material. It
// deserializes from either a bare cipher-text string or the object form
// {"class": "Secret", "protected": "...", "cipherText": "..."}.
type Secret struct {
	Protected  string `json:"protected,omitempty"`
	CipherText string `json:"cipherText"`
}

// UnmarshalJSON accepts both the string and the object forms.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.CipherText = text
		return nil
	}

	type alias struct {
		Class      string `json:"class"`
		Protected  string `json:"protected"`
		CipherText string `json:"cipherText"`
	}
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.WrapInvalid(err, "Secret", "UnmarshalJSON", "parse secret")
	}
	if obj.Class != "" && obj.Class != SecretClass {
		return errors.WrapInvalid(
			fmt.Errorf("unexpected class %q", obj.Class),
			"Secret", "UnmarshalJSON", "class validation")
	}
	s.Protected = obj.Protected
	s.CipherText = obj.CipherText
	return nil
}

// MarshalJSON always emits the object form with cipher text only.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"class":      SecretClass,
		"protected":  s.Protected,
		"cipherText": s.CipherText,
	})
}

// IsZero reports whether no secret was declared.
func (s Secret) IsZero() bool {
	return s.CipherText == ""
}

// Vault decrypts cipher-text fields on demand.
type Vault interface {
	Decrypt(ctx context.Context, secret Secret) (string, error)
}

// Local is an AES-256-GCM vault keyed from device-local material. Cipher
// text is base64(nonce || sealed).
type Local struct {
	aead cipher.AEAD
}

// NewLocal creates a vault from a 32-byte key.
func NewLocal(key []byte) (*Local, error) {
	if len(key) != 32 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("key must be 32 bytes, got %d", len(key)),
			"Vault", "NewLocal", "key validation")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WrapFatal(err, "Vault", "NewLocal", "create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.WrapFatal(err, "Vault", "NewLocal", "create GCM")
	}
	return &Local{aead: aead}, nil
}

// Decrypt implements Vault.
func (l *Local) Decrypt(_ context.Context, secret Secret) (string, error) {
	if secret.IsZero() {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(secret.CipherText)
	if err != nil {
		return "", errors.WrapInvalid(err, "Vault", "Decrypt", "decode cipher text")
	}
	if len(raw) < l.aead.NonceSize() {
		return "", errors.WrapInvalid(
			fmt.Errorf("cipher text shorter than nonce"),
			"Vault", "Decrypt", "cipher text validation")
	}

	nonce, sealed := raw[:l.aead.NonceSize()], raw[l.aead.NonceSize():]
	plain, err := l.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.WrapInvalid(err, "Vault", "Decrypt", "open cipher text")
	}
	return string(plain), nil
}

// Encrypt seals plaintext into the cipher-text form accepted by Decrypt.
// Used by provisioning tooling and tests.
func (l *Local) Encrypt(plaintext string) (Secret, error) {
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Secret{}, errors.WrapTransient(err, "Vault", "Encrypt", "generate nonce")
	}
	sealed := l.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return Secret{
		Protected:  "SecureVault",
		CipherText: base64.StdEncoding.EncodeToString(append(nonce, sealed...)),
	}, nil
}

// Plain is a pass-through vault for environments without an encryption
// key: cipher text is returned as-is.
type Plain struct{}

// Decrypt implements Vault.
func (Plain) Decrypt(_ context.Context, secret Secret) (string, error) {
	return secret.CipherText, nil
}
