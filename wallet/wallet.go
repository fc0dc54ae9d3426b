package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"github.com/mr-tron/base58"
)

const (
	checksumLength = 4
	version        = byte(0x00)
)

var (
	ErrInvalidSeedLength = errors.New("invalid seed length, must be 32 bytes")
	ErrWalletFlushed     = errors.New("wallet key material has been flushed")
)

// Wallet holds the custodial signing key of an institution.
// Private key material lives only in memory and shall be flushed after use.
type Wallet struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// New creates a new Wallet with a freshly generated ED25519 key pair.
func New() (Wallet, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Wallet{}, err
	}
	return Wallet{private: private, public: public}, nil
}

// FromSeed recreates Wallet from the 32 bytes private key seed.
// The seed buffer is not retained, caller may zero it afterwards.
func FromSeed(seed []byte) (Wallet, error) {
	if len(seed) != ed25519.SeedSize {
		return Wallet{}, ErrInvalidSeedLength
	}
	private := ed25519.NewKeyFromSeed(seed)
	public := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(public, private.Public().(ed25519.PublicKey))
	return Wallet{private: private, public: public}, nil
}

// Seed returns a copy of the private key seed that may be sealed and persisted.
func (w *Wallet) Seed() ([]byte, error) {
	if len(w.private) == 0 {
		return nil, ErrWalletFlushed
	}
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, w.private.Seed())
	return seed, nil
}

// Flush zeroes the private key material.
func (w *Wallet) Flush() {
	for i := range w.private {
		w.private[i] = 0
	}
	w.private = nil
}

// Address creates address from the public key that contains wallet version and checksum.
func (w *Wallet) Address() string {
	return encodeAddress(w.public)
}

// Sign signs the message with Ed25519 signature.
// Returns digest hash sha256 and signature.
// Signing a flushed wallet returns empty signature.
func (w *Wallet) Sign(message []byte) (digest [32]byte, signature []byte) {
	digest = sha256.Sum256(message)
	if len(w.private) == 0 {
		return digest, nil
	}
	signature = ed25519.Sign(w.private, digest[:])
	return digest, signature
}

func encodeAddress(public ed25519.PublicKey) string {
	vers := append([]byte{version}, public...)
	full := append(vers, checksum(vers)...)
	return base58.Encode(full)
}

func checksum(payload []byte) []byte {
	firstHash := sha256.Sum256(payload)
	secondHash := sha256.Sum256(firstHash[:])

	return secondHash[:checksumLength]
}
