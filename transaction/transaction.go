package transaction

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRequestNotFound         = errors.New("transaction request not found")
	ErrRequestExists           = errors.New("transaction request with given id already exists")
	ErrSettlementRefMismatch   = errors.New("settlement reference shall be set if and only if request is approved")
	ErrDecidedAtMismatch       = errors.New("decision time shall be set if and only if request is decided")
	ErrAmountNotPositive       = errors.New("amount must be a positive decimal")
	ErrEmptyID                 = errors.New("transaction request id cannot be empty")
	ErrUnknownStatus           = errors.New("unknown status")
	ErrInvalidStatusTransition = errors.New("status transition is not allowed")
	ErrMissingInstitutionRef   = errors.New("institution reference cannot be empty")
	ErrMissingReceiverAddress  = errors.New("receiver address cannot be empty")
	ErrMissingPurpose          = errors.New("purpose cannot be empty")
)

// Status is the state of the transaction request in the settlement state machine.
type Status uint8

const (
	Pending Status = iota
	Approved
	Declined
	NeedsReview
)

var statusNames = [...]string{"Pending", "Approved", "Declined", "NeedsReview"}

// String implements fmt.Stringer.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, ErrUnknownStatus
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if string(text) == name {
			*s = Status(i)
			return nil
		}
	}
	return ErrUnknownStatus
}

// Terminal returns true if no further transition is permitted.
func (s Status) Terminal() bool {
	return s != Pending
}

// CanTransitionTo returns true if moving from s to next is permitted.
// Only Pending moves, and only to a decided status.
func (s Status) CanTransitionTo(next Status) bool {
	return s == Pending && next != Pending && int(next) < len(statusNames)
}

// Priority is the descriptive urgency of the request. It takes no part in settlement.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority parses priority, unknown or empty values default to medium.
func ParsePriority(s string) Priority {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p
	default:
		return PriorityMedium
	}
}

// Request is a disbursement request raised by an associate against the institution custodial fund.
// InstitutionRef is the public ledger identifier of the institution, not its internal identity.
// Amount is in the ledger native unit and is always carried as an exact decimal.
type Request struct {
	ID              string          `json:"id"                       db:"id"`
	InstitutionRef  string          `json:"institution_ref"          db:"institution_ref"`
	CreatorRef      string          `json:"creator_ref"              db:"creator_ref"`
	ReceiverAddress string          `json:"receiver_address"         db:"receiver_address"`
	Amount          decimal.Decimal `json:"amount"                   db:"amount"`
	Purpose         string          `json:"purpose"                  db:"purpose"`
	Comment         string          `json:"comment"                  db:"comment"`
	Priority        Priority        `json:"priority"                 db:"priority"`
	Deadline        *time.Time      `json:"deadline,omitempty"       db:"deadline"`
	Status          Status          `json:"status"                   db:"status"`
	SettlementRef   string          `json:"settlement_ref,omitempty" db:"settlement_ref"`
	AuditorNote     string          `json:"auditor_note"             db:"auditor_note"`
	CreatedAt       time.Time       `json:"created_at"               db:"created_at"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty"     db:"decided_at"`
}

// Decision is the terminal write applied to a pending request.
type Decision struct {
	Status        Status
	SettlementRef string
	AuditorNote   string
	DecidedAt     time.Time
}

// Validate checks the record invariants.
func (r *Request) Validate() error {
	if r.ID == "" {
		return ErrEmptyID
	}
	if r.InstitutionRef == "" {
		return ErrMissingInstitutionRef
	}
	if r.ReceiverAddress == "" {
		return ErrMissingReceiverAddress
	}
	if r.Purpose == "" {
		return ErrMissingPurpose
	}
	if !r.Amount.IsPositive() {
		return ErrAmountNotPositive
	}
	if int(r.Status) >= len(statusNames) {
		return ErrUnknownStatus
	}
	if (r.SettlementRef != "") != (r.Status == Approved) {
		return ErrSettlementRefMismatch
	}
	if (r.DecidedAt != nil) != r.Status.Terminal() {
		return ErrDecidedAtMismatch
	}
	return nil
}

// Validate checks the decision is a legal terminal write.
func (d *Decision) Validate() error {
	if !Pending.CanTransitionTo(d.Status) {
		return ErrInvalidStatusTransition
	}
	if (d.SettlementRef != "") != (d.Status == Approved) {
		return ErrSettlementRefMismatch
	}
	if d.DecidedAt.IsZero() {
		return ErrDecidedAtMismatch
	}
	return nil
}

// Apply applies the decision to the pending request.
// Request is left untouched when decision is not permitted.
func (r *Request) Apply(d Decision) error {
	if !r.Status.CanTransitionTo(d.Status) {
		return ErrInvalidStatusTransition
	}
	if err := d.Validate(); err != nil {
		return err
	}
	decidedAt := d.DecidedAt
	r.Status = d.Status
	r.SettlementRef = d.SettlementRef
	r.AuditorNote = d.AuditorNote
	r.DecidedAt = &decidedAt
	return nil
}
