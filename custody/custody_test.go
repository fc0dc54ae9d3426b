package custody

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/bartossh/Fiduciary/emulator"
	"github.com/bartossh/Fiduciary/identity"
	"github.com/bartossh/Fiduciary/keyvault"
	"github.com/bartossh/Fiduciary/ledger"
	"github.com/bartossh/Fiduciary/wallet"
)

type nopLogger struct{}

func (nopLogger) Debug(string) {}
func (nopLogger) Info(string)  {}
func (nopLogger) Warn(string)  {}
func (nopLogger) Error(string) {}
func (nopLogger) Fatal(string) {}

type institutions map[string]identity.Institution

func (i institutions) Institution(_ context.Context, id string) (identity.Institution, error) {
	in, ok := i[id]
	if !ok {
		return identity.Institution{}, identity.ErrInstitutionNotFound
	}
	return in, nil
}

type unavailableLedger struct{}

func (unavailableLedger) GetBalance(context.Context, string) (*big.Int, error) {
	return nil, ledger.ErrLedgerUnavailable
}

func (unavailableLedger) Submit(context.Context, ledger.Transfer) (string, error) {
	return "", ledger.ErrLedgerUnavailable
}

func newVault(t *testing.T, secret string) keyvault.Vault {
	d, err := keyvault.NewGlobalDeriver(secret)
	assert.Nil(t, err)
	return keyvault.New(d)
}

func setup(t *testing.T) (*Manager, *emulator.Node, identity.Institution) {
	vault := newVault(t, "custody-test-secret")
	address, ciphertext, err := NewProvisioner(vault).ProvisionWallet("INS00000001")
	assert.Nil(t, err)

	in := identity.Institution{ID: "INS00000001", LedgerID: "1700000000", WalletAddress: address, WalletKeyEnc: ciphertext}
	node, err := emulator.New(emulator.Config{}, wallet.NewVerifier())
	assert.Nil(t, err)

	m := New(institutions{in.ID: in}, vault, node, 18, nopLogger{})
	return m, node, in
}

func TestProvisionWalletOpensToSameAddress(t *testing.T) {
	vault := newVault(t, "custody-test-secret")
	p := NewProvisioner(vault)

	address, ciphertext, err := p.ProvisionWallet("INS00000002")
	assert.Nil(t, err)
	assert.NotEmpty(t, address)
	assert.NotContains(t, ciphertext, address)

	opened, err := p.OpenAddress("INS00000002", ciphertext)
	assert.Nil(t, err)
	assert.Equal(t, address, opened)

	_, err = p.OpenAddress("INS00000003", ciphertext)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.ErrorIs(t, err, keyvault.ErrAuthenticationFailure)
}

func TestBalanceOfIsExact(t *testing.T) {
	m, node, in := setup(t)
	v, ok := new(big.Int).SetString("1500000000000000001", 10)
	assert.True(t, ok)
	node.Fund(in.WalletAddress, v)

	b, err := m.BalanceOf(context.Background(), in.ID)
	assert.Nil(t, err)
	assert.Equal(t, "1.500000000000000001", b.String())
}

func TestBalanceOfUnknownInstitution(t *testing.T) {
	m, _, _ := setup(t)
	_, err := m.BalanceOf(context.Background(), "INS99999999")
	assert.ErrorIs(t, err, identity.ErrInstitutionNotFound)
}

func TestDisburseTransfersFunds(t *testing.T) {
	m, node, in := setup(t)
	node.Fund(in.WalletAddress, new(big.Int).Exp(big.NewInt(10), big.NewInt(19), nil))

	ctx := context.Background()
	ref, err := m.Disburse(ctx, in.ID, "receiver", decimal.RequireFromString("2.5"))
	assert.Nil(t, err)
	assert.NotEmpty(t, ref)

	b, err := m.BalanceOf(ctx, in.ID)
	assert.Nil(t, err)
	assert.True(t, b.Equal(decimal.RequireFromString("7.5")))

	received, err := node.GetBalance(ctx, "receiver")
	assert.Nil(t, err)
	assert.Equal(t, "2500000000000000000", received.String())
}

func TestDisburseKeyMismatch(t *testing.T) {
	vault := newVault(t, "custody-test-secret")
	_, ciphertext, err := NewProvisioner(vault).ProvisionWallet("INS00000001")
	assert.Nil(t, err)

	other, err := wallet.New()
	assert.Nil(t, err)

	in := identity.Institution{ID: "INS00000001", WalletAddress: other.Address(), WalletKeyEnc: ciphertext}
	node, err := emulator.New(emulator.Config{}, wallet.NewVerifier())
	assert.Nil(t, err)
	node.Fund(other.Address(), big.NewInt(1_000_000_000_000_000_000))

	m := New(institutions{in.ID: in}, vault, node, 18, nopLogger{})
	_, err = m.Disburse(context.Background(), in.ID, "receiver", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrKeyMismatch)
	assert.Equal(t, 0, node.Recorded())
}

func TestDisburseWrongSecret(t *testing.T) {
	_, node, in := setup(t)
	m := New(institutions{in.ID: in}, newVault(t, "another-secret"), node, 18, nopLogger{})

	_, err := m.Disburse(context.Background(), in.ID, "receiver", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, keyvault.ErrAuthenticationFailure)
	assert.Equal(t, 0, node.Recorded())
}

func TestDisburseRejectsUnrepresentableAmount(t *testing.T) {
	m, node, in := setup(t)
	for _, a := range []string{"0", "-1", "0.0000000000000000001"} {
		_, err := m.Disburse(context.Background(), in.ID, "receiver", decimal.RequireFromString(a))
		assert.ErrorIs(t, err, ErrInvalidAmount, a)
	}
	assert.Equal(t, 0, node.Recorded())
}

func TestDisburseInsufficientBalanceIsRejected(t *testing.T) {
	m, _, in := setup(t)
	_, err := m.Disburse(context.Background(), in.ID, "receiver", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ledger.ErrTransferRejected)
}

func TestLedgerUnavailableIsSurfaced(t *testing.T) {
	_, _, in := setup(t)
	m := New(institutions{in.ID: in}, newVault(t, "custody-test-secret"), unavailableLedger{}, 18, nopLogger{})

	_, err := m.BalanceOf(context.Background(), in.ID)
	assert.True(t, errors.Is(err, ledger.ErrLedgerUnavailable))

	_, err = m.Disburse(context.Background(), in.ID, "receiver", decimal.NewFromInt(1))
	assert.True(t, errors.Is(err, ledger.ErrLedgerUnavailable))
}

func TestWalletNotProvisioned(t *testing.T) {
	in := identity.Institution{ID: "INS00000004"}
	m := New(institutions{in.ID: in}, newVault(t, "s"), unavailableLedger{}, 18, nopLogger{})

	_, err := m.BalanceOf(context.Background(), in.ID)
	assert.ErrorIs(t, err, ErrWalletNotProvisioned)
}
