package ledger

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"
)

var (
	ErrInvalidReceiver                  = errors.New("receiver address cannot be empty")
	ErrInvalidValue                     = errors.New("value must be a positive integer in the smallest unit")
	ErrSigningFailed                    = errors.New("signing failed")
	ErrTransferHashInvalid              = errors.New("transfer hash is invalid")
	ErrSignatureNotValidOrDataCorrupted = errors.New("signature not valid or data are corrupted")
)

// Signer provides signing and address methods.
type Signer interface {
	Sign(message []byte) (digest [32]byte, signature []byte)
	Address() string
}

// Verifier provides signature verification method.
type Verifier interface {
	Verify(message, signature []byte, hash [32]byte, address string) error
}

// Transfer is a single native asset value transfer signed by the sender.
// Value is the amount in the ledger smallest unit carried as a decimal string.
type Transfer struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Value     string   `json:"value"`
	CreatedAt int64    `json:"created_at"`
	Hash      [32]byte `json:"hash"`
	Signature []byte   `json:"signature"`
}

// NewTransfer creates new transfer signed by the sender.
func NewTransfer(from Signer, to string, value *big.Int) (Transfer, error) {
	if to == "" {
		return Transfer{}, ErrInvalidReceiver
	}
	if value == nil || value.Sign() <= 0 {
		return Transfer{}, ErrInvalidValue
	}

	t := Transfer{
		From:      from.Address(),
		To:        to,
		Value:     value.String(),
		CreatedAt: time.Now().UnixNano(),
	}

	hash, signature := from.Sign(t.message())
	if len(signature) == 0 {
		return Transfer{}, ErrSigningFailed
	}
	t.Hash = hash
	t.Signature = signature

	return t, nil
}

// Amount returns transfer value as integer in the smallest unit.
func (t *Transfer) Amount() (*big.Int, error) {
	v, ok := new(big.Int).SetString(t.Value, 10)
	if !ok || v.Sign() <= 0 {
		return nil, ErrInvalidValue
	}
	return v, nil
}

// Verify verifies the sender signature and the transfer hash.
func (t *Transfer) Verify(v Verifier) error {
	if t.To == "" {
		return ErrInvalidReceiver
	}
	if _, err := t.Amount(); err != nil {
		return err
	}
	if err := v.Verify(t.message(), t.Signature, t.Hash, t.From); err != nil {
		return errors.Join(ErrSignatureNotValidOrDataCorrupted, err)
	}
	return nil
}

func (t *Transfer) message() []byte {
	msgLen := len(t.From) + len(t.To) + len(t.Value) + 8
	message := make([]byte, 0, msgLen)
	message = append(message, []byte(t.From)...)
	message = append(message, []byte(t.To)...)
	message = append(message, []byte(t.Value)...)
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(t.CreatedAt))
	return append(message, b...)
}
