package natsclient

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"

	"github.com/bartossh/Fiduciary/settlement"
	"github.com/bartossh/Fiduciary/transaction"
)

func TestEventEncodeDecode(t *testing.T) {
	e := settlement.Event{
		ID:             uuid.New(),
		RequestID:      "OFF64B7E3C1A2B3C4D5E6F7A8B9",
		InstitutionRef: "1700000000001",
		Status:         transaction.Approved,
		SettlementRef:  "0xabc",
		OccurredAt:     time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}
	raw, err := Encode(e)
	assert.NilError(t, err)

	got, err := Decode(raw)
	assert.NilError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.RequestID, got.RequestID)
	assert.Equal(t, e.InstitutionRef, got.InstitutionRef)
	assert.Equal(t, e.Status, got.Status)
	assert.Equal(t, e.SettlementRef, got.SettlementRef)
	assert.Assert(t, e.OccurredAt.Equal(got.OccurredAt))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformedEvent)

	raw, err := Encode(settlement.Event{ID: uuid.New(), Status: transaction.Pending, OccurredAt: time.Now()})
	assert.NilError(t, err)
	_, err = Decode(raw)
	assert.NilError(t, err)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "fiduciary.settlement.17", subject("17"))
	assert.Equal(t, "fiduciary.settlement.>", subject(""))
}
