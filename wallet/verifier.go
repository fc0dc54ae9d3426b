package wallet

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"

	"github.com/mr-tron/base58"
)

var (
	ErrAddressInvalidLength = errors.New("address of invalid length")
	ErrAddressChecksum      = errors.New("address checksum is not equal")
	ErrHashCorrupted        = errors.New("hash is corrupted")
	ErrSignatureInvalid     = errors.New("message signature isn't valid")
)

// Helper provides wallet helper functionalities without knowing about wallet private key.
type Helper struct{}

// NewVerifier creates new wallet Helper verifier.
func NewVerifier() Helper {
	return Helper{}
}

// AddressToPubKey creates ED25519 public key from address, or returns error otherwise.
func (h Helper) AddressToPubKey(address string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, err
	}
	if len(raw) != 1+ed25519.PublicKeySize+checksumLength {
		return nil, ErrAddressInvalidLength
	}
	actualChecksum := raw[len(raw)-checksumLength:]
	if !bytes.Equal(actualChecksum, checksum(raw[:len(raw)-checksumLength])) {
		return nil, ErrAddressChecksum
	}

	return ed25519.PublicKey(raw[1 : len(raw)-checksumLength]), nil
}

// Verify verifies if message is signed by given key and hash is equal.
func (h Helper) Verify(message, signature []byte, hash [32]byte, address string) error {
	digest := sha256.Sum256(message)
	if !bytes.Equal(hash[:], digest[:]) {
		return ErrHashCorrupted
	}

	pubKey, err := h.AddressToPubKey(address)
	if err != nil {
		return err
	}

	if !ed25519.Verify(pubKey, digest[:], signature) {
		return ErrSignatureInvalid
	}
	return nil
}
