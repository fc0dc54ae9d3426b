package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/ledger"
	"github.com/bartossh/Fiduciary/logger"
	"github.com/bartossh/Fiduciary/wallet"
	"github.com/shopspring/decimal"
)

var (
	ErrKeyMismatch          = errors.New("decrypted signing key does not match recorded wallet address")
	ErrWalletNotProvisioned = errors.New("institution has no custodial wallet")
	ErrInvalidAmount        = errors.New("amount is not expressible in the ledger smallest unit")
	ErrKeyUnavailable       = errors.New("signing key cannot be opened")
)

// Ledger reads balances and accepts signed transfers.
type Ledger interface {
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	Submit(ctx context.Context, t ledger.Transfer) (string, error)
}

// Sealer seals and opens key material for the scope.
type Sealer interface {
	Encrypt(scope string, plaintext []byte) (string, error)
	Decrypt(scope, ciphertext string) ([]byte, error)
}

// InstitutionReader resolves institution custodial wallet records.
type InstitutionReader interface {
	Institution(ctx context.Context, institutionID string) (identity.Institution, error)
}

// Provisioner creates custodial wallets sealed by the Sealer.
type Provisioner struct {
	vault Sealer
}

// NewProvisioner creates a new Provisioner.
func NewProvisioner(vault Sealer) Provisioner {
	return Provisioner{vault: vault}
}

// ProvisionWallet creates a new custodial wallet and returns its address and sealed key.
// The scope is the internal institution id the key is sealed for.
func (p Provisioner) ProvisionWallet(scope string) (address, ciphertext string, err error) {
	w, err := wallet.New()
	if err != nil {
		return "", "", err
	}
	defer w.Flush()

	seed, err := w.Seed()
	if err != nil {
		return "", "", err
	}
	defer zero(seed)

	ciphertext, err = p.vault.Encrypt(scope, seed)
	if err != nil {
		return "", "", err
	}
	return w.Address(), ciphertext, nil
}

// OpenAddress decrypts the sealed key and returns the address it derives.
// Private key material does not leave the call.
func (p Provisioner) OpenAddress(scope, ciphertext string) (string, error) {
	w, err := open(p.vault, scope, ciphertext)
	if err != nil {
		return "", err
	}
	defer w.Flush()
	return w.Address(), nil
}

// Manager reads institution balances and disburses funds from institution custodial wallets.
// Plaintext key material exists only for the duration of a single signing call.
type Manager struct {
	institutions InstitutionReader
	vault        Sealer
	ledger       Ledger
	decimals     int32
	log          logger.Logger
}

// New creates a new custody Manager. Decimals is the number of decimal places of the ledger native unit.
func New(institutions InstitutionReader, vault Sealer, l Ledger, decimals int32, log logger.Logger) *Manager {
	return &Manager{institutions: institutions, vault: vault, ledger: l, decimals: decimals, log: log}
}

// BalanceOf returns the current balance of the institution custodial wallet.
func (m *Manager) BalanceOf(ctx context.Context, institutionID string) (decimal.Decimal, error) {
	in, err := m.institutions.Institution(ctx, institutionID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if in.WalletAddress == "" {
		return decimal.Decimal{}, ErrWalletNotProvisioned
	}

	v, err := m.ledger.GetBalance(ctx, in.WalletAddress)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(v, -m.decimals), nil
}

// Disburse transfers the amount from the institution custodial wallet to the receiver
// and returns the ledger settlement reference.
func (m *Manager) Disburse(ctx context.Context, institutionID, to string, amount decimal.Decimal) (string, error) {
	value, err := m.SmallestUnit(amount)
	if err != nil {
		return "", err
	}

	in, err := m.institutions.Institution(ctx, institutionID)
	if err != nil {
		return "", err
	}
	if in.WalletAddress == "" || in.WalletKeyEnc == "" {
		return "", ErrWalletNotProvisioned
	}

	w, err := open(m.vault, in.ID, in.WalletKeyEnc)
	if err != nil {
		m.log.Error(fmt.Sprintf("custody opening key of institution [ %s ] failed, %s", in.ID, err))
		return "", err
	}
	defer w.Flush()

	if w.Address() != in.WalletAddress {
		m.log.Error(fmt.Sprintf("custody key of institution [ %s ] derives address [ %s ], recorded [ %s ]", in.ID, w.Address(), in.WalletAddress))
		return "", ErrKeyMismatch
	}

	t, err := ledger.NewTransfer(&w, to, value)
	if err != nil {
		return "", err
	}
	w.Flush()

	return m.ledger.Submit(ctx, t)
}

// SmallestUnit converts the amount to the ledger smallest unit.
// Amounts with more fractional digits than the ledger carries are rejected.
func (m *Manager) SmallestUnit(amount decimal.Decimal) (*big.Int, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	shifted := amount.Shift(m.decimals)
	if !shifted.IsInteger() {
		return nil, ErrInvalidAmount
	}
	return shifted.BigInt(), nil
}

func open(vault Sealer, scope, ciphertext string) (wallet.Wallet, error) {
	seed, err := vault.Decrypt(scope, ciphertext)
	if err != nil {
		return wallet.Wallet{}, errors.Join(ErrKeyUnavailable, err)
	}
	defer zero(seed)

	w, err := wallet.FromSeed(seed)
	if err != nil {
		return wallet.Wallet{}, errors.Join(ErrKeyUnavailable, err)
	}
	return w, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
