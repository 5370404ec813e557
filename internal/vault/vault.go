package vault

import (
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// Vault encrypts and decrypts custodial second-factor secrets under a single
// process-wide master key. Callers must treat absence of a ciphertext as
// "strong transfer unavailable", never as a hard failure.
type Vault struct {
	key  []byte
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// Open loads the master key from path, generating it on first use. Bootstrap
// is idempotent: a concurrent creator wins and the loser re-reads the file.
// The key file is only ever readable by the owning user.
func Open(path string) (*Vault, error) {
	key, err := loadOrCreateKey(path)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		zero(key)
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	return &Vault{key: key, aead: aead}, nil
}

// Encrypt seals a secret under the master key. A nil receiver or an
// unavailable cipher yields (nil, false) so callers degrade to the
// elevated-rights fallback instead of failing.
func (v *Vault) Encrypt(secret string) ([]byte, bool) {
	if v == nil || v.aead == nil || secret == "" {
		return nil, false
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, false
	}

	return v.aead.Seal(nonce, nonce, []byte(secret), nil), true
}

// Decrypt opens a blob previously produced by Encrypt. Malformed or foreign
// input yields ("", false), never an error.
func (v *Vault) Decrypt(blob []byte) (string, bool) {
	if v == nil || v.aead == nil || len(blob) <= chacha20poly1305.NonceSizeX {
		return "", false
	}

	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", false
	}

	return string(plaintext), true
}

// Close zeroes the in-process copy of the master key.
func (v *Vault) Close() {
	if v == nil {
		return
	}
	zero(v.key)
	v.aead = nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	if key, err := os.ReadFile(path); err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("master key %s has unexpected size %d", path, len(key))
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			// Lost the bootstrap race; use the winner's key.
			zero(key)
			return loadOrCreateKey(path)
		}
		return nil, fmt.Errorf("create master key: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(key); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write master key: %w", err)
	}

	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
