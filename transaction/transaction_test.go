package transaction

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func pendingRequest() Request {
	return Request{
		ID:              "OFF1",
		InstitutionRef:  "1700000000000",
		CreatorRef:      "EMP1234",
		ReceiverAddress: "0xABC",
		Amount:          decimal.RequireFromString("1.5"),
		Purpose:         "supplies",
		Priority:        PriorityMedium,
		Status:          Pending,
		CreatedAt:       time.Now(),
	}
}

func TestPendingRequestIsValid(t *testing.T) {
	r := pendingRequest()
	assert.Nil(t, r.Validate())
}

func TestValidateInvariants(t *testing.T) {
	now := time.Now()
	testcases := []struct {
		name   string
		modify func(r *Request)
		err    error
	}{
		{"empty id", func(r *Request) { r.ID = "" }, ErrEmptyID},
		{"zero amount", func(r *Request) { r.Amount = decimal.Zero }, ErrAmountNotPositive},
		{"negative amount", func(r *Request) { r.Amount = decimal.RequireFromString("-1") }, ErrAmountNotPositive},
		{"pending with reference", func(r *Request) { r.SettlementRef = "0x1" }, ErrSettlementRefMismatch},
		{"approved without reference", func(r *Request) { r.Status = Approved; r.DecidedAt = &now }, ErrSettlementRefMismatch},
		{"declined with reference", func(r *Request) { r.Status = Declined; r.SettlementRef = "0x1"; r.DecidedAt = &now }, ErrSettlementRefMismatch},
		{"pending with decision time", func(r *Request) { r.DecidedAt = &now }, ErrDecidedAtMismatch},
		{"declined without decision time", func(r *Request) { r.Status = Declined }, ErrDecidedAtMismatch},
		{"unknown status", func(r *Request) { r.Status = Status(9) }, ErrUnknownStatus},
		{"missing receiver", func(r *Request) { r.ReceiverAddress = "" }, ErrMissingReceiverAddress},
	}

	for _, c := range testcases {
		t.Run(c.name, func(t *testing.T) {
			r := pendingRequest()
			c.modify(&r)
			assert.ErrorIs(t, r.Validate(), c.err)
		})
	}
}

func TestApplyTransitions(t *testing.T) {
	now := time.Now()

	r := pendingRequest()
	err := r.Apply(Decision{Status: Approved, SettlementRef: "ref", AuditorNote: "ok", DecidedAt: now})
	assert.Nil(t, err)
	assert.Equal(t, Approved, r.Status)
	assert.Equal(t, "ref", r.SettlementRef)
	assert.Nil(t, r.Validate())

	err = r.Apply(Decision{Status: Declined, DecidedAt: now})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	assert.Equal(t, Approved, r.Status)

	r = pendingRequest()
	err = r.Apply(Decision{Status: Pending, DecidedAt: now})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	err = r.Apply(Decision{Status: Declined, SettlementRef: "ref", DecidedAt: now})
	assert.ErrorIs(t, err, ErrSettlementRefMismatch)
	assert.Equal(t, Pending, r.Status)
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{Pending, Approved, Declined, NeedsReview} {
		raw, err := s.MarshalText()
		assert.Nil(t, err)
		var parsed Status
		assert.Nil(t, parsed.UnmarshalText(raw))
		assert.Equal(t, s, parsed)
	}
	var s Status
	assert.ErrorIs(t, s.UnmarshalText([]byte("Settled")), ErrUnknownStatus)
}

func TestAmountTravelsAsDecimalString(t *testing.T) {
	r := pendingRequest()
	r.Amount = decimal.RequireFromString("0.000000000000000001")

	raw, err := json.Marshal(r)
	assert.Nil(t, err)
	assert.Contains(t, string(raw), `"amount":"0.000000000000000001"`)
	assert.Contains(t, string(raw), `"status":"Pending"`)

	var decoded Request
	assert.Nil(t, json.Unmarshal(raw, &decoded))
	assert.True(t, r.Amount.Equal(decoded.Amount))
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority("HIGH"))
	assert.Equal(t, PriorityLow, ParsePriority(" low "))
	assert.Equal(t, PriorityMedium, ParsePriority(""))
	assert.Equal(t, PriorityMedium, ParsePriority("urgent"))
}
