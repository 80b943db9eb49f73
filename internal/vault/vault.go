// Package vault seals and opens credential material with authenticated
// encryption. Ciphertext is opaque bytes (nonce || box); the key is derived
// from a process-wide secret so operators can supply secrets of any length.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
)

// ErrCrypto is returned when Open fails: tampered ciphertext or a key
// mismatch. Callers must treat the affected credential as Invalid.
var ErrCrypto = errors.New("vault: open failed")

const keySize = 32

// hkdfSalt binds derived keys to this vault version. Changing it invalidates
// all previously sealed material.
var hkdfSalt = []byte("furiwake/vault/v1")

// Vault is an AES-256-GCM sealer keyed by HKDF-SHA256 over the configured
// secret.
type Vault struct {
	aead      cipher.AEAD
	ephemeral bool
}

// New builds a vault from the configured secret. An empty secret generates an
// ephemeral random key: sealing still works, but nothing sealed survives a
// process restart.
func New(secret []byte) (*Vault, error) {
	ephemeral := false
	if len(secret) == 0 {
		slog.Warn("vault: no encryption key configured, generating ephemeral key (sealed material will not survive restart)")
		secret = make([]byte, keySize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("vault: generate ephemeral key: %w", err)
		}
		ephemeral = true
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, hkdfSalt, nil), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}

	return &Vault{aead: aead, ephemeral: ephemeral}, nil
}

// Ephemeral reports whether the vault runs on a generated key.
func (v *Vault) Ephemeral() bool { return v.ephemeral }

// Seal encrypts plaintext. The result embeds the nonce and auth tag.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext produced by Seal. Any tampering or key mismatch
// returns ErrCrypto; the error never includes plaintext or ciphertext bytes.
func (v *Vault) Open(ciphertext []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, fmt.Errorf("vault: ciphertext too short: %w", ErrCrypto)
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, ErrCrypto
	}
	return plaintext, nil
}
