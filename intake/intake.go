package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bartossh/Fiduciary/logger"
	"github.com/bartossh/Fiduciary/transaction"
)

const (
	idPrefix       = "OFF"
	createAttempts = 3
)

// Amounts are plain decimals whose smallest unit value fits an unsigned 256 bit ledger word.
const (
	maxAmountLength = 96
	maxUnitBits     = 256
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrIDExhausted = errors.New("cannot create transaction request with a unique id")
)

var deadlineLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"01/02/2006",
}

// Payload is the transaction request as submitted by the associate.
type Payload struct {
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
	Purpose  string `json:"purpose"`
	Comment  string `json:"comment"`
	Priority string `json:"priority"`
	Deadline string `json:"deadline"`
}

// Directory resolves the internal institution id to its public ledger identifier.
type Directory interface {
	LedgerID(ctx context.Context, institutionID string) (string, error)
}

// Creator persists the new pending transaction request.
type Creator interface {
	Create(ctx context.Context, r *transaction.Request) error
}

// Config contains configuration of the Intake.
type Config struct {
	Decimals int32 `yaml:"decimals"` // Maximum number of fractional digits of the amount, defaults to 18.
}

// Intake validates submitted transaction requests and hands them over to settlement.
// Intake never touches the ledger.
type Intake struct {
	decimals  int32
	directory Directory
	creator   Creator
	log       logger.Logger
}

// New creates a new Intake.
func New(cfg Config, directory Directory, creator Creator, log logger.Logger) *Intake {
	if cfg.Decimals <= 0 {
		cfg.Decimals = 18
	}
	return &Intake{decimals: cfg.Decimals, directory: directory, creator: creator, log: log}
}

// Submit validates the payload and creates a new pending transaction request
// on behalf of the creator of the institution.
func (i *Intake) Submit(ctx context.Context, institutionID, creatorID string, p Payload) (transaction.Request, error) {
	r, err := i.parse(p)
	if err != nil {
		return transaction.Request{}, err
	}

	ledgerID, err := i.directory.LedgerID(ctx, institutionID)
	if err != nil {
		return transaction.Request{}, err
	}
	r.InstitutionRef = ledgerID
	r.CreatorRef = creatorID

	for attempt := 0; attempt < createAttempts; attempt++ {
		r.ID = NewID()
		r.CreatedAt = time.Now()
		err = i.creator.Create(ctx, &r)
		if err == nil {
			i.log.Info(fmt.Sprintf("intake request [ %s ] created by [ %s ]", r.ID, creatorID))
			return r, nil
		}
		if !errors.Is(err, transaction.ErrRequestExists) {
			return transaction.Request{}, err
		}
		i.log.Warn(fmt.Sprintf("intake request id [ %s ] collided, attempt [ %v ]", r.ID, attempt+1))
	}
	return transaction.Request{}, errors.Join(ErrIDExhausted, err)
}

// NewID returns a new transaction request id.
// Object id carries a timestamp, a random process unique value and a counter.
func NewID() string {
	return idPrefix + strings.ToUpper(primitive.NewObjectID().Hex())
}

func (i *Intake) parse(p Payload) (transaction.Request, error) {
	receiver := strings.TrimSpace(p.Receiver)
	if receiver == "" {
		return transaction.Request{}, errors.Join(ErrValidation, transaction.ErrMissingReceiverAddress)
	}
	purpose := strings.TrimSpace(p.Purpose)
	if purpose == "" {
		return transaction.Request{}, errors.Join(ErrValidation, transaction.ErrMissingPurpose)
	}

	amount, err := ParseAmount(p.Amount, i.decimals)
	if err != nil {
		return transaction.Request{}, err
	}

	r := transaction.Request{
		ReceiverAddress: receiver,
		Amount:          amount,
		Purpose:         purpose,
		Comment:         strings.TrimSpace(p.Comment),
		Priority:        transaction.ParsePriority(p.Priority),
		Status:          transaction.Pending,
	}

	if d := strings.TrimSpace(p.Deadline); d != "" {
		deadline, err := ParseDeadline(d)
		if err != nil {
			return transaction.Request{}, err
		}
		r.Deadline = &deadline
	}

	return r, nil
}

// ParseAmount parses the plain decimal amount, it must be positive, carry at most decimals fractional digits
// and fit the ledger word in the smallest unit. Exponent notation is rejected.
func ParseAmount(s string, decimals int32) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if len(s) > maxAmountLength || strings.ContainsAny(s, "eE") {
		return decimal.Decimal{}, errors.Join(ErrValidation, fmt.Errorf("amount [ %.24s ] is not a plain decimal", s))
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errors.Join(ErrValidation, fmt.Errorf("amount [ %s ] is not a decimal", s))
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, errors.Join(ErrValidation, transaction.ErrAmountNotPositive)
	}
	units := amount.Shift(decimals)
	if !units.IsInteger() {
		return decimal.Decimal{}, errors.Join(ErrValidation, fmt.Errorf("amount [ %s ] exceeds [ %v ] decimal places", s, decimals))
	}
	if units.BigInt().BitLen() > maxUnitBits {
		return decimal.Decimal{}, errors.Join(ErrValidation, fmt.Errorf("amount [ %s ] exceeds the ledger range", s))
	}
	return amount, nil
}

// ParseDeadline parses the deadline in one of the accepted layouts.
func ParseDeadline(s string) (time.Time, error) {
	for _, layout := range deadlineLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Join(ErrValidation, fmt.Errorf("deadline [ %s ] has unknown format", s))
}
