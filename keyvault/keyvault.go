package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

var (
	ErrAuthenticationFailure = errors.New("ciphertext authentication failure")
	ErrEmptySecret           = errors.New("vault secret cannot be empty")
	ErrInvalidKeyLength      = errors.New("invalid key length, must be 32 bytes")
	ErrCipherFailure         = errors.New("cipher creation failure")
	ErrGCMFailure            = errors.New("gcm creation failure")
	ErrRandomNonceFailure    = errors.New("random nonce creation failure")
	ErrKeyDerivationFailure  = errors.New("key derivation failure")
)

const (
	nonceSize = 12
	keySize   = 32
)

// Deriver derives the symmetric encryption key for the given scope.
// Implementations may ignore the scope and use a single service-wide key.
type Deriver interface {
	Derive(scope string) ([]byte, error)
}

// Vault seals and opens signing keys at rest.
// Uses AES-256 in Galois Counter Mode, every encryption draws a fresh random nonce.
// The scope is bound to the ciphertext as additional authenticated data,
// so a ciphertext sealed for one scope does not open in another one.
type Vault struct {
	deriver Deriver
}

// New creates a new Vault using given key deriver.
func New(d Deriver) Vault {
	return Vault{deriver: d}
}

// Config contains configuration of the Vault.
type Config struct {
	Secret string `yaml:"secret"` // Service secret, prefer FIDUCIARY_VAULT_SECRET environment variable.
	Scoped bool   `yaml:"scoped"` // Derive a separate key per institution instead of a single global key.
}

// FromConfig creates a new Vault with the deriver selected by the configuration.
func FromConfig(cfg Config) (Vault, error) {
	var (
		d   Deriver
		err error
	)
	if cfg.Scoped {
		d, err = NewScopedDeriver(cfg.Secret)
	} else {
		d, err = NewGlobalDeriver(cfg.Secret)
	}
	if err != nil {
		return Vault{}, err
	}
	return New(d), nil
}

// Encrypt encrypts plaintext for the scope and returns base64 encoded nonce and sealed data.
func (v Vault) Encrypt(scope string, plaintext []byte) (string, error) {
	aesgcm, err := v.aead(scope)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+aesgcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Join(ErrRandomNonceFailure, err)
	}

	sealed := aesgcm.Seal(nonce, nonce, plaintext, []byte(scope))

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens the ciphertext sealed for the scope.
// Any tampering, wrong secret or malformed input results in ErrAuthenticationFailure.
func (v Vault) Decrypt(scope, ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}

	aesgcm, err := v.aead(scope)
	if err != nil {
		return nil, err
	}

	if len(raw) < nonceSize+aesgcm.Overhead() {
		return nil, ErrAuthenticationFailure
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := aesgcm.Open(nil, nonce, sealed, []byte(scope))
	if err != nil {
		return nil, ErrAuthenticationFailure
	}

	return plaintext, nil
}

func (v Vault) aead(scope string) (cipher.AEAD, error) {
	key, err := v.deriver.Derive(scope)
	if err != nil {
		return nil, errors.Join(ErrKeyDerivationFailure, err)
	}
	defer zero(key)
	if len(key) != keySize {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Join(ErrCipherFailure, err)
	}

	aesgcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, errors.Join(ErrGCMFailure, err)
	}
	return aesgcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
