package keyvault

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	globalInfo = "fiduciary/keyvault/global/v1"
	scopedInfo = "fiduciary/keyvault/scoped/v1/"
)

// GlobalDeriver derives a single service-wide key from the secret.
// Scope is ignored, all institutions share the same key.
type GlobalDeriver struct {
	secret []byte
}

// NewGlobalDeriver creates GlobalDeriver, secret must not be empty.
func NewGlobalDeriver(secret string) (GlobalDeriver, error) {
	if secret == "" {
		return GlobalDeriver{}, ErrEmptySecret
	}
	return GlobalDeriver{secret: []byte(secret)}, nil
}

// Derive implements Deriver.
func (d GlobalDeriver) Derive(_ string) ([]byte, error) {
	return expand(d.secret, globalInfo)
}

// ScopedDeriver derives a separate sub-key per scope from the secret.
type ScopedDeriver struct {
	secret []byte
}

// NewScopedDeriver creates ScopedDeriver, secret must not be empty.
func NewScopedDeriver(secret string) (ScopedDeriver, error) {
	if secret == "" {
		return ScopedDeriver{}, ErrEmptySecret
	}
	return ScopedDeriver{secret: []byte(secret)}, nil
}

// Derive implements Deriver.
func (d ScopedDeriver) Derive(scope string) ([]byte, error) {
	return expand(d.secret, scopedInfo+scope)
}

func expand(secret []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
