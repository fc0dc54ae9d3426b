package emulator

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/bartossh/Fiduciary/ledger"
)

var (
	ErrInsufficientBalance = errors.New("sender balance is insufficient")
	ErrDuplicateTransfer   = errors.New("transfer already recorded")
	ErrInvalidGenesis      = errors.New("genesis balance must be a non negative integer")
)

// Config contains configuration of the ledger node emulator.
type Config struct {
	Port    int               `yaml:"port"`    // Port to listen on.
	Latency time.Duration     `yaml:"latency"` // Artificial latency added to every call.
	Genesis map[string]string `yaml:"genesis"` // Initial balances in the smallest unit per address.
}

// Node emulates a ledger node keeping balances of native asset in memory.
// Node accepts signed transfers and answers with a settlement reference.
type Node struct {
	mux      sync.Mutex
	balances map[string]*big.Int
	recorded map[[32]byte]struct{}
	verifier ledger.Verifier
	latency  time.Duration
}

// New creates a new Node with genesis balances.
func New(cfg Config, v ledger.Verifier) (*Node, error) {
	n := &Node{
		balances: make(map[string]*big.Int, len(cfg.Genesis)),
		recorded: make(map[[32]byte]struct{}),
		verifier: v,
		latency:  cfg.Latency,
	}
	for address, raw := range cfg.Genesis {
		value, ok := new(big.Int).SetString(raw, 10)
		if !ok || value.Sign() < 0 {
			return nil, errors.Join(ErrInvalidGenesis, errors.New(address))
		}
		n.balances[address] = value
	}
	return n, nil
}

// SetLatency changes artificial latency of the node.
func (n *Node) SetLatency(d time.Duration) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.latency = d
}

// Fund credits the address with given value in the smallest unit.
func (n *Node) Fund(address string, value *big.Int) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.credit(address, value)
}

// GetBalance returns the address balance in the smallest unit.
func (n *Node) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	n.mux.Lock()
	defer n.mux.Unlock()
	if b, ok := n.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// Submit verifies and records the transfer, returns settlement reference.
func (n *Node) Submit(ctx context.Context, t ledger.Transfer) (string, error) {
	if err := n.wait(ctx); err != nil {
		return "", err
	}
	if err := t.Verify(n.verifier); err != nil {
		return "", errors.Join(ledger.ErrTransferRejected, err)
	}
	value, err := t.Amount()
	if err != nil {
		return "", errors.Join(ledger.ErrTransferRejected, err)
	}

	n.mux.Lock()
	defer n.mux.Unlock()

	if _, ok := n.recorded[t.Hash]; ok {
		return "", errors.Join(ledger.ErrTransferRejected, ErrDuplicateTransfer)
	}
	from, ok := n.balances[t.From]
	if !ok || from.Cmp(value) < 0 {
		return "", errors.Join(ledger.ErrTransferRejected, ErrInsufficientBalance)
	}
	from.Sub(from, value)
	n.credit(t.To, value)
	n.recorded[t.Hash] = struct{}{}

	return "0x" + hex.EncodeToString(t.Hash[:]), nil
}

// Recorded returns the number of recorded transfers.
func (n *Node) Recorded() int {
	n.mux.Lock()
	defer n.mux.Unlock()
	return len(n.recorded)
}

func (n *Node) credit(address string, value *big.Int) {
	b, ok := n.balances[address]
	if !ok {
		b = new(big.Int)
		n.balances[address] = b
	}
	b.Add(b, value)
}

func (n *Node) wait(ctx context.Context) error {
	n.mux.Lock()
	latency := n.latency
	n.mux.Unlock()
	if latency <= 0 {
		if err := ctx.Err(); err != nil {
			return errors.Join(ledger.ErrLedgerUnavailable, err)
		}
		return nil
	}
	t := time.NewTimer(latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(ledger.ErrLedgerUnavailable, ctx.Err())
	case <-t.C:
		return nil
	}
}
